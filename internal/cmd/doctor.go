package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/app"
	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/config"
	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/hostterm"
	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/tui/styles"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that claude-box can run on this machine",
	Long: `Check the configuration, the container engine binary and daemon, the
terminal, and whether another claude-box runtime holds the state directory.`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

// probeTimeout bounds each doctor check that talks to the engine.
const probeTimeout = 10 * time.Second

type checkResult struct {
	name   string
	ok     bool
	detail string
}

func runDoctor(cmd *cobra.Command, args []string) error {
	results := diagnose(cmd.Context(), hostterm.Stdio().IsTerminal())

	failed := 0
	for _, r := range results {
		printCheck(cmd.OutOrStdout(), r)
		if !r.ok {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d check(s) failed", failed)
	}
	return nil
}

func diagnose(ctx context.Context, interactive bool) []checkResult {
	var results []checkResult

	cfg, err := loadConfig()
	if err != nil {
		results = append(results, checkResult{name: "config", detail: err.Error()})
		cfg = config.Default()
	} else {
		results = append(results, checkResult{name: "config", ok: true, detail: "valid"})
	}

	engine, err := newEngine(cfg)
	if err != nil {
		results = append(results, checkResult{name: "engine", detail: err.Error()})
	} else {
		results = append(results, checkResult{name: "engine", ok: true, detail: engine.Binary()})

		pingCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		version, err := engine.Ping(pingCtx)
		cancel()
		if err != nil {
			results = append(results, checkResult{name: "daemon", detail: err.Error()})
		} else {
			results = append(results, checkResult{name: "daemon", ok: true, detail: "server " + version})

			listCtx, cancel := context.WithTimeout(ctx, probeTimeout)
			refs, err := engine.ListManaged(listCtx)
			cancel()
			if err != nil {
				results = append(results, checkResult{name: "containers", detail: err.Error()})
			} else {
				results = append(results, checkResult{name: "containers", ok: true, detail: fmt.Sprintf("%d managed", len(refs))})
			}
		}
	}

	if interactive {
		results = append(results, checkResult{name: "terminal", ok: true, detail: "interactive"})
	} else {
		results = append(results, checkResult{name: "terminal", detail: "stdin/stdout is not a terminal; start and run need one"})
	}

	if lock, held := app.IsLocked(config.StateDir()); held {
		results = append(results, checkResult{name: "runtime", ok: true, detail: "running as " + lock.Holder()})
	} else {
		results = append(results, checkResult{name: "runtime", ok: true, detail: "not running"})
	}
	return results
}

func printCheck(out io.Writer, r checkResult) {
	mark := styles.SuccessMsg.Render("✓")
	if !r.ok {
		mark = styles.ErrorMsg.Render("✗")
	}
	fmt.Fprintf(out, "%s %-11s %s\n", mark, r.name, r.detail)
}
