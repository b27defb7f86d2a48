package commands

import (
	"strconv"

	"github.com/spf13/cobra"
)

// statusCmd implements "status [selector] [--brief] [--level n]" against
// internal/control/dispatch.go's cmdStatus.
func statusCmd() *cobra.Command {
	var (
		brief bool
		level int
	)

	cmd := &cobra.Command{
		Use:   "status [selector]",
		Short: "Show BFD session status",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			argv := []string{"status"}
			argv = append(argv, args...)
			if brief {
				argv = append(argv, "brief")
			}
			argv = append(argv, "level", strconv.Itoa(level))
			return sendCommand(argv)
		},
	}

	cmd.Flags().BoolVar(&brief, "brief", false, "one summary line per session, no detail fields")
	cmd.Flags().IntVar(&level, "level", 1, "detail level 0-4 (status verbosity)")

	return cmd
}
