package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/go-go-golems/streamchat/pkg/config"
	"github.com/go-go-golems/streamchat/pkg/logging"
)

// settings is filled by the root command's PersistentPreRunE before any subcommand runs.
var settings = config.Default()

func newRootCommand() *cobra.Command {
	var (
		configPath string
		logLevel   string
		logFormat  string
	)
	rootCmd := &cobra.Command{
		Use:          "streamchat",
		Short:        "streamchat is a streaming chat client and development backend",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			s, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("log-level") {
				s.Log.Level = logLevel
			}
			if cmd.Flags().Changed("log-format") {
				s.Log.Format = logFormat
			}
			if err := logging.Init(s.Log, os.Stderr); err != nil {
				return err
			}
			settings = s
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML settings file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "auto", "log format (auto, console, json)")
	rootCmd.AddCommand(newServeCommand(), newChatCommand())
	return rootCmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
