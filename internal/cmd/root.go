// Package cmd implements the claude-box command line.
package cmd

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/config"
	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/errors"
	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "claude-box",
	Short: "Run AI coding agents in isolated container sessions",
	Long: `claude-box runs each coding agent in its own container, inside a tmux
session, with a live preview of every session and exclusive attach to one
at a time.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		printError(rootCmd.ErrOrStderr(), err)
	}
	return err
}

// printError reports a failed command. Internal errors point at the debug
// log, which has the detail.
func printError(w io.Writer, err error) {
	fmt.Fprintf(w, "Error: %v\n", err)
	if errors.IsRetryable(err) {
		fmt.Fprintln(w, "This may be temporary; try again.")
	}
	if !errors.IsUserFacing(err) {
		fmt.Fprintf(w, "See %s for details.\n", filepath.Join(config.LogDir(), logging.LogFileName))
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/claude-box/config.yaml)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("CLAUDE_BOX")
	// e.g. CLAUDE_BOX_SHUTDOWN_POLICY for shutdown.policy
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}
