package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/gobfd/internal/control"
)

// monitorCmd polls "status" at a fixed interval and prints it until
// interrupted. The control channel is one-request-per-connection (no
// server push), so this is the closest equivalent to a live session
// view.
func monitorCmd() *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Poll and print BFD session status until interrupted",
		Long:  "Repeatedly polls the gobfd daemon's status command and prints the result until interrupted (Ctrl+C).",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cl := control.NewClient(serverAddr)
			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			for {
				reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				reply, err := cl.Do(reqCtx, []string{"status", "level", "1"})
				cancel()
				if err != nil {
					fmt.Println("Error:", err)
				} else {
					fmt.Println(formatReply(reply))
				}

				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "polling interval")

	return cmd
}
