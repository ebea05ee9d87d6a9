package common

import "fmt"

// ErrKind discriminates the three families of engine errors.
type ErrKind uint32

const (
	// Signaling indicates a relay protocol or signaling transport fault.
	Signaling ErrKind = iota

	// PeerConnection indicates a peer-transport or negotiation fault.
	PeerConnection

	// BadState indicates that an operation was invoked in a state where it is
	// not valid. BadState errors are always returned synchronously to the
	// caller; they are never emitted as events.
	BadState
)

// Error codes used throughout the engine.
const (
	CannotPair        = "CANNOT_PAIR"
	ConnectionRefused = "CONNECTION_REFUSED"
	Timeout           = "TIMEOUT"
	WebRTCError       = "WEBRTC_ERROR"
	BadMessage        = "BAD_MESSAGE"
	BadSignal         = "BAD_SIGNAL"
	WSError           = "WS_ERROR"
	BadStateCode      = "BAD_STATE"
)

// String returns the string representation of an ErrKind.
func (k ErrKind) String() string {
	switch k {
	case Signaling:
		return "SignalingError"
	case PeerConnection:
		return "PeerConnectionError"
	case BadState:
		return "BadStateError"
	default:
		return "Unknown"
	}
}

// EngineError is the single error type used by the connection engine. The Kind
// field discriminates between signaling, peer-connection and bad-state errors,
// Code identifies the precise condition, and Data optionally carries
// structured context (ex. the raw payload of an undecodable message).
type EngineError struct {
	Kind    ErrKind
	Code    string
	Message string
	Data    interface{}
}

// NewSignalingError returns an EngineError of kind Signaling.
func NewSignalingError(code string, message string, data interface{}) EngineError {
	return EngineError{
		Kind:    Signaling,
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// NewPeerConnectionError returns an EngineError of kind PeerConnection.
func NewPeerConnectionError(code string, message string, data interface{}) EngineError {
	return EngineError{
		Kind:    PeerConnection,
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// BadStateData carries the expected and actual states of a rejected operation.
type BadStateData struct {
	Expected string
	Actual   string
}

// NewBadStateError returns an EngineError of kind BadState, recording the
// expected and actual states.
func NewBadStateError(expected string, actual string) EngineError {
	return EngineError{
		Kind:    BadState,
		Code:    BadStateCode,
		Message: fmt.Sprintf("operation requires state %s, current state is %s", expected, actual),
		Data:    BadStateData{Expected: expected, Actual: actual},
	}
}

// Error implements the error interface.
func (e EngineError) Error() string {
	return fmt.Sprintf("%s, %s, %s", e.Kind, e.Code, e.Message)
}

// IsKind checks that an error is an EngineError of the given kind.
func IsKind(err error, kind ErrKind) bool {
	engineErr, ok := err.(EngineError)
	return ok && engineErr.Kind == kind
}

// IsCode checks that an error is an EngineError with the given code.
func IsCode(err error, code string) bool {
	engineErr, ok := err.(EngineError)
	return ok && engineErr.Code == code
}
