package cmd

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or modify claude-box configuration",
	Long: `View or modify claude-box configuration.

Without arguments, displays the current configuration.
Use subcommands to modify settings or create a config file.`,
	RunE: runConfigShow,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value in the user's config file.

Keys use dot notation, e.g.:
  claude-box config set container.image my-agent:latest
  claude-box config set preview.interval_ms 250
  claude-box config set shutdown.policy persist

Valid keys:
  container.engine         - docker, podman or auto
  container.image          - image with tmux and the agent installed
  container.memory         - memory limit (e.g. 4g)
  container.cpus           - CPU limit (e.g. 2)
  session.detach_key       - key that ends an attach (e.g. ctrl-q)
  tmux.width               - tmux window width
  tmux.height              - tmux window height
  preview.interval_ms      - preview refresh interval in milliseconds
  preview.max_failures     - failed snapshots before a health check
  runtime.op_timeout_ms    - bound for start, stop and delete
  shutdown.policy          - stop or persist
  logging.enabled          - write a debug log (true/false)
  logging.level            - debug, info, warn or error`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default config file",
	Long:  `Create a default config file at ~/.config/claude-box/config.yaml with all available options.`,
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	RunE:  runConfigPath,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	out := cmd.OutOrStdout()

	if used := viper.ConfigFileUsed(); used != "" {
		fmt.Fprintf(out, "# Config file: %s\n", used)
	} else {
		fmt.Fprintln(out, "# Config file: (none - using defaults)")
	}

	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("failed to render configuration: %w", err)
	}
	return enc.Close()
}

// settableKeys maps each key accepted by "config set" to its value type.
var settableKeys = map[string]string{
	"container.engine":      "engine",
	"container.image":       "string",
	"container.memory":      "string",
	"container.cpus":        "string",
	"session.detach_key":    "detach_key",
	"tmux.width":            "int",
	"tmux.height":           "int",
	"preview.interval_ms":   "int",
	"preview.max_failures":  "int",
	"runtime.op_timeout_ms": "int",
	"shutdown.policy":       "policy",
	"logging.enabled":       "bool",
	"logging.level":         "level",
}

func parseSetting(key, value string) (any, error) {
	keyType, ok := settableKeys[key]
	if !ok {
		return nil, fmt.Errorf("unknown configuration key: %s\nRun 'claude-box config set --help' to see valid keys", key)
	}

	oneOf := func(valid []string) (any, error) {
		if !slices.Contains(valid, value) {
			return nil, fmt.Errorf("invalid value for %s: %s\nValid options: %s", key, value, strings.Join(valid, ", "))
		}
		return value, nil
	}

	switch keyType {
	case "engine":
		return oneOf(config.ValidEngines())
	case "policy":
		return oneOf(config.ValidShutdownPolicies())
	case "level":
		return oneOf(config.ValidLogLevels())
	case "detach_key":
		if _, err := config.ParseDetachKey(value); err != nil {
			return nil, fmt.Errorf("invalid value for %s: %w", key, err)
		}
		return value, nil
	case "bool":
		if value != "true" && value != "false" {
			return nil, fmt.Errorf("invalid value for %s: expected true or false", key)
		}
		return value == "true", nil
	case "int":
		n, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: expected integer", key)
		}
		if n <= 0 {
			return nil, fmt.Errorf("invalid value for %s: must be positive", key)
		}
		return n, nil
	default:
		if value == "" {
			return nil, fmt.Errorf("invalid value for %s: must not be empty", key)
		}
		return value, nil
	}
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], args[1]

	typedValue, err := parseSetting(key, value)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	viper.Set(key, typedValue)

	configFile := config.ConfigFile()
	if used := viper.ConfigFileUsed(); used != "" {
		configFile = used
	}
	if err := viper.WriteConfigAs(configFile); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Set %s = %v\n", key, typedValue)
	fmt.Fprintf(out, "Config saved to %s\n", configFile)
	return nil
}

const defaultConfigContent = `# claude-box configuration

container:
  # docker, podman or auto (first one found on PATH)
  engine: auto
  # Image started for every session; must contain tmux and the agent
  image: claude-box:latest
  memory: 4g
  cpus: "2"
  # Where the workspace is mounted inside the container
  workdir: /workspace
  # Extra environment, KEY=VALUE
  env: []

session:
  # Program started inside the tmux session
  program: [claude]
  # Key that returns from an attached session
  detach_key: ctrl-q

tmux:
  width: 200
  height: 50
  history_limit: 50000
  socket_prefix: claude-box

preview:
  # How often the preview of every session is refreshed (applied live)
  interval_ms: 100
  snapshot_timeout_ms: 2000
  # Preview buffer size in bytes (default: 100000 = 100KB)
  buffer_size: 100000
  scrollback_lines: 1000
  # Consecutive failed snapshots before the session is health-checked
  max_failures: 5

runtime:
  exec_timeout_ms: 30000
  op_timeout_ms: 120000
  detach_timeout_ms: 5000

shutdown:
  # stop: tear every session down on exit
  # persist: leave containers running; remove them later with 'claude-box prune'
  policy: stop

logging:
  enabled: true
  level: info
  max_size_mb: 10
  max_backups: 3
  compress: false
`

func runConfigInit(cmd *cobra.Command, args []string) error {
	configFile := config.ConfigFile()

	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("config file already exists at %s\nUse 'claude-box config set' to modify values", configFile)
	}
	if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(configFile, []byte(defaultConfigContent), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Created config file at %s\n", configFile)
	fmt.Fprintln(out, "Edit this file to customize claude-box.")
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	if used := viper.ConfigFileUsed(); used != "" {
		fmt.Fprintf(out, "Active config: %s\n", used)
	} else {
		fmt.Fprintf(out, "Default path: %s (not created)\n", config.ConfigFile())
	}

	fmt.Fprintln(out, "\nSearch paths:")
	fmt.Fprintf(out, "  1. %s\n", config.ConfigFile())
	fmt.Fprintln(out, "  2. ./config.yaml (current directory)")
	fmt.Fprintln(out, "\nEnvironment variables: CLAUDE_BOX_* (e.g., CLAUDE_BOX_SHUTDOWN_POLICY)")
	fmt.Fprintf(out, "State directory: %s\n", config.StateDir())
	return nil
}
