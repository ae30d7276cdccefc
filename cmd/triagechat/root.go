package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ent0n29/triagechat/internal/config"
	"github.com/ent0n29/triagechat/internal/logging"
)

var debug bool

var rootCmd = &cobra.Command{
	Use:           "triagechat",
	Short:         "Health intake chat backend with triage summaries",
	Long:          `triagechat stores chat conversations per identity, asks a text model for replies and keeps a triage summary once the intake is complete.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "triagechat: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")
}

func setupLogger(ctx context.Context, cfg config.Config) (context.Context, func()) {
	return logging.NewContextWithLogger(ctx, debug || cfg.Debug)
}
