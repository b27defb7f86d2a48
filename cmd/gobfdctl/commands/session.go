package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// sessionCmd implements the "session <selector> <action> ..." family
// against the daemon's control channel (internal/control/dispatch.go's
// cmdSession).
func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session <selector>",
		Short: "Act on a single BFD session by id",
	}

	cmd.AddCommand(sessionStateCmd())
	cmd.AddCommand(sessionResetCmd())
	cmd.AddCommand(sessionSuspendCmd())
	cmd.AddCommand(sessionResumeCmd())
	cmd.AddCommand(sessionKillCmd())
	cmd.AddCommand(sessionSetCmd())

	return cmd
}

func sessionStateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "state <selector> (up|down|admin) [diag]",
		Short: "Force a session's local state",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(_ *cobra.Command, args []string) error {
			argv := append([]string{"session", args[0], "state"}, args[1:]...)
			return sendCommand(argv)
		},
	}
}

func sessionResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <selector>",
		Short: "Allow a forced session to resume normal state changes",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return sendCommand([]string{"session", args[0], "reset"})
		},
	}
}

func sessionSuspendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "suspend <selector>",
		Short: "Stop sending BFD packets for a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return sendCommand([]string{"session", args[0], "suspend"})
		},
	}
}

func sessionResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <selector>",
		Short: "Resume sending BFD packets for a suspended session",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return sendCommand([]string{"session", args[0], "resume"})
		},
	}
}

func sessionKillCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kill <id>",
		Short: "Destroy a session by numeric id",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if _, err := strconv.ParseUint(args[0], 10, 32); err != nil {
				return fmt.Errorf("parse session id %q: %w", args[0], err)
			}
			return sendCommand([]string{"session", args[0], "kill"})
		},
	}
}

func sessionSetCmd() *cobra.Command {
	var unit string

	cmd := &cobra.Command{
		Use:   "set <selector> (mintx|minrx|multi|cpi|admin_up_poll) <value>",
		Short: "Change a session's protocol parameters",
		Args:  cobra.ExactArgs(3),
		RunE: func(_ *cobra.Command, args []string) error {
			argv := []string{"session", args[0], "set", args[1], args[2]}
			if unit != "" {
				argv = append(argv, unit)
			}
			return sendCommand(argv)
		},
	}

	cmd.Flags().StringVar(&unit, "unit", "", "unit for mintx/minrx values: s, ms, or us (default us)")

	return cmd
}
