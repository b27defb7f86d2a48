// Package commands implements the gobfdctl CLI commands.
package commands

import (
	"encoding/json"
	"strings"
)

// formatReply renders a daemon reply for the terminal. Raw text is printed
// as-is; --json wraps it as either a single string or, for multi-line
// replies (status/session dumps), an array of lines.
func formatReply(reply string) string {
	if !jsonOutput {
		return reply
	}

	lines := strings.Split(strings.TrimRight(reply, "\n"), "\n")
	var out []byte
	var err error
	if len(lines) == 1 {
		out, err = json.Marshal(reply)
	} else {
		out, err = json.Marshal(lines)
	}
	if err != nil {
		return reply
	}
	return string(out)
}
