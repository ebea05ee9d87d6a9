package commands

import (
	"github.com/spf13/cobra"
)

var (
	_config = NewDefaultCLIConfig()
)

//RootCmd is the root command for peerlink
var RootCmd = &cobra.Command{
	Use:              "peerlink",
	Short:            "peer-to-peer connections brokered by a signaling relay",
	TraverseChildren: true,
}

func init() {
	RootCmd.AddCommand(
		NewRunCmd(),
		NewPeersCmd(),
		NewKeygenCmd(),
		VersionCmd,
	)
}
