package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/app"
	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/config"
	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/errors"
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove session containers left behind",
	Long: `Remove every container labelled as a claude-box session. These are left
running when shutdown.policy is "persist" or when claude-box was killed.
Refuses to run while a claude-box runtime is active.`,
	Args: cobra.NoArgs,
	RunE: runPrune,
}

func init() {
	rootCmd.AddCommand(pruneCmd)
	pruneCmd.Flags().Bool("dry-run", false, "list the containers without removing them")
}

func runPrune(cmd *cobra.Command, args []string) error {
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	out := cmd.OutOrStdout()

	if lock, held := app.IsLocked(config.StateDir()); held {
		return errors.NewConflictError("prune", app.ErrRuntimeLocked).WithHolder(lock.Holder())
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	engine, err := newEngine(cfg)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	refs, err := engine.ListManaged(ctx)
	if err != nil {
		return fmt.Errorf("failed to list session containers: %w", err)
	}
	if len(refs) == 0 {
		fmt.Fprintln(out, "No session containers found.")
		return nil
	}

	var errs []error
	removed := 0
	for _, ref := range refs {
		if dryRun {
			fmt.Fprintf(out, "would remove %s\n", ref)
			continue
		}
		if err := engine.StopAndRemove(ctx, ref); err != nil {
			fmt.Fprintf(out, "failed to remove %s: %v\n", ref, err)
			errs = append(errs, err)
			continue
		}
		removed++
		fmt.Fprintf(out, "removed %s\n", ref)
	}
	if !dryRun {
		fmt.Fprintf(out, "Removed %d of %d container(s).\n", removed, len(refs))
	}
	return errors.Join(errs...)
}
