package commands

import (
	"github.com/spf13/cobra"
)

// connectCmd implements "connect local <ip> remote <ip>" against
// internal/control/dispatch.go's cmdConnect: creates an active session, or
// upgrades a matching passive one, between the given local and remote
// addresses.
func connectCmd() *cobra.Command {
	var local, remote string

	cmd := &cobra.Command{
		Use:   "connect --local <ip> --remote <ip>",
		Short: "Start (or upgrade) an active BFD session to a peer",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return sendCommand([]string{"connect", "local", local, "remote", remote})
		},
	}

	cmd.Flags().StringVar(&local, "local", "", "local IP address (required)")
	cmd.Flags().StringVar(&remote, "remote", "", "peer IP address (required)")
	_ = cmd.MarkFlagRequired("local")
	_ = cmd.MarkFlagRequired("remote")

	return cmd
}

// allowCmd implements "allow <ip>": permits passive sessions from ip.
func allowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "allow <ip>",
		Short: "Allow passive BFD sessions from a peer address",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return sendCommand([]string{"allow", args[0]})
		},
	}
}

// blockCmd implements "block <ip>": withdraws permission for passive
// sessions from ip.
func blockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "block <ip>",
		Short: "Block passive BFD sessions from a peer address",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return sendCommand([]string{"block", args[0]})
		},
	}
}

// stopCmd implements "stop": asks the daemon to shut down.
func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Ask the gobfd daemon to shut down",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return sendCommand([]string{"stop"})
		},
	}
}
