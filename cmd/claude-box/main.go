// Command claude-box runs AI coding agents in isolated container sessions.
package main

import (
	"os"

	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
