package commands

import (
	"github.com/spf13/cobra"
)

// logCmd implements the "log level|type|timing ..." family against
// internal/control/dispatch.go's cmdLog.
func logCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "List the daemon's log levels and log types",
	}

	cmd.AddCommand(logLevelCmd())
	cmd.AddCommand(logTypeCmd())
	cmd.AddCommand(logTimingCmd())

	return cmd
}

func logLevelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "level [list|<level>]",
		Short: "List log levels; a level name is answered ok and not applied",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			argv := append([]string{"log", "level"}, args...)
			return sendCommand(argv)
		},
	}
}

func logTypeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "type [list|<type>]",
		Short: "List log message types; a type name is answered ok and not applied",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			argv := append([]string{"log", "type"}, args...)
			return sendCommand(argv)
		},
	}
}

func logTimingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "timing",
		Short: "Send 'log timing'; the daemon answers ok and changes nothing",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return sendCommand([]string{"log", "timing"})
		},
	}
}
