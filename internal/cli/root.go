package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/L1nMay/scanconsole/internal/config"
	"github.com/L1nMay/scanconsole/internal/logger"
)

// Version information (set by build flags)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "scanconsole",
	Short: "Operator console for a remote vulnerability scanning backend",
	Long: `scanconsole launches scans on a remote scanning backend and follows
them to completion. Only private IPv4 targets (10/8, 172.16/12, 192.168/16,
127/8) are accepted. One scan runs at a time; its state survives restarts.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)

	rootCmd.PersistentFlags().StringP("config", "c", "config.yaml", "Path to config file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level override (debug, info, warn, error)")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "scanconsole %s (commit: %s, built: %s)\n", version, commit, date)
	},
}

// loadConfig reads the --config file and applies the log level.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	logger.SetLevel(cfg.LogLevel)
	return cfg, nil
}
