package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/app"
	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/attach"
	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/errors"
	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/hostterm"
)

var runCmd = &cobra.Command{
	Use:   "run <workspace>",
	Short: "Start a session for a workspace and attach to it",
	Long: `Create and start a single session without the dashboard, then attach
the terminal to it. Press the detach key (ctrl-q by default) to return.
What happens to the session afterwards follows shutdown.policy.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringP("name", "n", "", "session name (default is the workspace directory name)")
}

func runRun(cmd *cobra.Command, args []string) (err error) {
	name, _ := cmd.Flags().GetString("name")

	tty := hostterm.Stdio()
	if !tty.IsTerminal() {
		return errors.NewValidationError("claude-box run needs an interactive terminal")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := app.New(cfg, app.WithConsole(tty))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		_ = rt.Logger.Close()
		return err
	}
	defer func() {
		err = errors.Join(err, closeRuntime(cmd.OutOrStdout(), rt))
	}()

	out := cmd.OutOrStdout()
	id, err := rt.Sessions.Create(name, args[0])
	if err != nil {
		return err
	}
	info, _ := rt.Sessions.Get(id)
	fmt.Fprintf(out, "Starting %s...\n", info.DisplayName)
	if err := rt.Sessions.Start(ctx, id); err != nil {
		return err
	}

	res, err := rt.Sessions.Attach(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "\r\nDetached from %s (%s)\n", info.DisplayName, res.Reason)

	if res.Reason == attach.ReasonIOError && res.Err != nil && !errors.Is(res.Err, context.Canceled) {
		return res.Err
	}
	return nil
}
