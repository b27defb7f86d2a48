package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/gobfd/internal/control"
)

var (
	// serverAddr is the daemon's control-channel address (host:port).
	serverAddr string

	// jsonOutput wraps the daemon's reply text in a JSON envelope.
	jsonOutput bool
)

// rootCmd is the top-level cobra command for gobfdctl.
var rootCmd = &cobra.Command{
	Use:   "gobfdctl",
	Short: "CLI client for the gobfd daemon",
	Long:  "gobfdctl talks to the gobfd daemon's control channel to inspect and manage BFD sessions.",

	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "127.0.0.1:957",
		"gobfd daemon control-channel address (host:port)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"wrap the daemon's reply in a JSON envelope")

	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(connectCmd())
	rootCmd.AddCommand(allowCmd())
	rootCmd.AddCommand(blockCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(stopCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(shellCmd())
}

// Execute runs the root command and exits with code 1 on error. Daemon-
// side errors are already printed to stdout by sendCommand, so Execute
// only adds its own "Error:" line for errors that never reached there
// (dial failures, flag parsing, etc).
func Execute() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}
	var daemonErr errDaemonReply
	if !errors.As(err, &daemonErr) {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(1)
}

// sendCommand opens one control-channel connection, sends argv, prints
// the reply (raw or JSON-wrapped per --json), and maps a leading "error:"
// reply to a non-nil error so cobra reports a non-zero exit code.
func sendCommand(argv []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cl := control.NewClient(serverAddr)
	reply, err := cl.Do(ctx, argv)
	if err != nil {
		return fmt.Errorf("send command: %w", err)
	}

	fmt.Println(formatReply(reply))
	if strings.HasPrefix(reply, "error:") {
		return fmt.Errorf("%w", errDaemonReply{reply})
	}
	return nil
}

// errDaemonReply wraps a daemon-side "error: ..." reply so cobra treats
// it as a command failure without printing a duplicate message.
type errDaemonReply struct{ reply string }

func (e errDaemonReply) Error() string { return e.reply }
