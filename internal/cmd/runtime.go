package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/app"
	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/config"
	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/container"
	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/session"
)

// engineRunner executes engine commands for doctor and prune. Tests
// replace it.
var engineRunner container.Runner = container.ExecRunner{}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newEngine resolves the configured engine binary and returns an Engine
// driving it.
func newEngine(cfg *config.Config) (*container.Engine, error) {
	bin, err := container.DetectEngine(cfg.Container.Engine)
	if err != nil {
		return nil, err
	}
	return container.NewEngine(bin,
		container.WithRunner(engineRunner),
		container.WithExecTimeout(cfg.Runtime.ExecTimeout()),
	), nil
}

// closeRuntime applies the shutdown policy and reports sessions that were
// left running.
func closeRuntime(out io.Writer, rt *app.Runtime) error {
	var live []session.Info
	for _, info := range rt.Sessions.List() {
		if info.State.Live() {
			live = append(live, info)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), rt.Config.Runtime.OpTimeout())
	defer cancel()
	err := rt.Shutdown(ctx)
	reportLeaks(out, rt)
	if err != nil {
		_ = rt.Logger.Close()
		return fmt.Errorf("shutdown: %w", err)
	}

	if rt.Config.Shutdown.Policy == config.ShutdownPersist && len(live) > 0 {
		fmt.Fprintf(out, "Left %d session(s) running:\n", len(live))
		for _, info := range live {
			fmt.Fprintf(out, "  %s  %s\n", info.DisplayName, info.Container)
		}
		fmt.Fprintln(out, "Run 'claude-box prune' to remove them.")
	}
	return rt.Logger.Close()
}

// reportLeaks lists resources whose release kept failing, so they can be
// cleaned up by hand.
func reportLeaks(out io.Writer, rt *app.Runtime) {
	leaks := append(rt.Sessions.Leaks(), rt.Attach.Leaks()...)
	if len(leaks) == 0 {
		return
	}
	fmt.Fprintf(out, "Could not release %d resource(s):\n", len(leaks))
	for _, h := range leaks {
		detail := ""
		if err := h.LastError(); err != nil {
			detail = ": " + err.Error()
		}
		fmt.Fprintf(out, "  %s %s (%d attempt(s))%s\n", h.Kind(), h.ID(), h.Attempts(), detail)
		rt.Logger.Warn("resource leaked", "kind", string(h.Kind()), "id", h.ID(), "attempts", h.Attempts())
	}
}
