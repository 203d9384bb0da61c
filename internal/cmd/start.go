package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/app"
	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/errors"
	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/hostterm"
	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/tui"
)

var startCmd = &cobra.Command{
	Use:   "start [workspace...]",
	Short: "Launch the session dashboard",
	Long: `Launch the TUI dashboard where sessions are created, started, stopped,
previewed and attached. Each workspace given on the command line gets a
session that is started before the dashboard opens.`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) (err error) {
	tty := hostterm.Stdio()
	if !tty.IsTerminal() {
		return errors.NewValidationError("claude-box start needs an interactive terminal")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := app.New(cfg, app.WithConsole(tty))
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if err := rt.Start(ctx); err != nil {
		_ = rt.Logger.Close()
		return err
	}
	defer func() {
		err = errors.Join(err, closeRuntime(cmd.OutOrStdout(), rt))
	}()
	rt.WatchConfig()

	for _, ws := range args {
		id, err := rt.Sessions.Create("", ws)
		if err != nil {
			return err
		}
		if err := rt.Sessions.Start(ctx, id); err != nil {
			// The dashboard shows the failed session and its reason.
			rt.Logger.Warn("initial session failed to start", "workspace", ws, "error", err.Error())
		}
	}

	if err := tui.New(ctx, rt.Sessions, rt.Terminal).Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}
