package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/nicklasfrahm/remux/pkg/ops"
)

var version = "dev"
var help bool
var verbose bool
var configPath string

var rootCmd = &cobra.Command{
	Use:   "remux",
	Short: "Run commands on remote hosts over shared SSH connections",
	Long: `
 _ __ ___ _ __ ___  _   ___  __
| '__/ _ \ '_ ` + "`" + ` _ \| | | \ \/ /
| | |  __/ | | | | | |_| |>  <
|_|  \___|_| |_| |_|\__,_/_/\_\

Run commands and copy files on remote hosts. Every host
is reached through a single OpenSSH control master, so
authentication happens once per host and invocation.

Hosts are looked up in the "remux.yml" inventory in the
current directory. Hosts that are not in the inventory
are used as [user@]host[:port] destinations.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if help {
			cmd.Help()
			os.Exit(0)
		}
	},
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
		os.Exit(0)
	},
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&help, "help", "h", false, "display help for command")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the inventory (default \"remux.yml\")")
}

// newLogger creates the logger shared by all hosts.
func newLogger() *zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}

	logger := log.Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}).Level(level)

	return &logger
}

// operationOptions returns the options derived from the global flags.
func operationOptions() []ops.Option {
	opts := []ops.Option{
		ops.WithLogger(newLogger()),
	}

	// Use manual override for config path if provided.
	if configPath != "" {
		opts = append(opts, ops.WithConfigPath(configPath))
	}

	return opts
}

// Execute starts the invocation of the command line interface.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
