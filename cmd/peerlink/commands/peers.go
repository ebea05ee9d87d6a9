package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mosaicnetworks/peerlink/src/peer"
	"github.com/mosaicnetworks/peerlink/src/peerlink"
)

//NewPeersCmd returns the command that prints the relay's roster
func NewPeersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "peers",
		Short:   "List peers connected to the signaling relay",
		PreRunE: loadConfig,
		RunE:    listPeers,
	}
	AddRunFlags(cmd)
	return cmd
}

func listPeers(cmd *cobra.Command, args []string) error {
	logger := _config.Peerlink.Logger()

	manager := peerlink.NewConnectionManager(
		&_config.Peerlink,
		newChannel(logger),
		peer.NewWebRTCFactory(peer.WebRTCConfig{}, logger),
		nil,
	)

	if err := manager.Start(); err != nil {
		return err
	}
	defer manager.Close()

	peers, err := manager.GetPeers()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tBUSY")
	for _, p := range peers {
		fmt.Fprintf(w, "%s\t%s\t%t\n", p.ID, p.Type, p.Busy)
	}

	return w.Flush()
}
