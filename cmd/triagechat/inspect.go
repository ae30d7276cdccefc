package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/ent0n29/triagechat/internal/app"
	"github.com/ent0n29/triagechat/internal/config"
)

var conversationCmd = &cobra.Command{
	Use:   "conversation",
	Short: "Inspect stored conversations",
}

var conversationGetCmd = &cobra.Command{
	Use:   "get <conversation-id>",
	Short: "Print a stored conversation as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBuild(cmd.Context(), func(ctx context.Context, built *app.BuildResult) error {
			conv, err := built.Chat.Conversation(ctx, args[0])
			if err != nil {
				return err
			}
			if conv == nil {
				return fmt.Errorf("conversation %q not found", args[0])
			}
			return printJSON(cmd.OutOrStdout(), conv)
		})
	},
}

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Inspect triage summaries",
}

var summaryGetCmd = &cobra.Command{
	Use:   "get <conversation-id>",
	Short: "Print the triage summary for a conversation as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBuild(cmd.Context(), func(ctx context.Context, built *app.BuildResult) error {
			sum, err := built.Chat.Summary(ctx, args[0])
			if err != nil {
				return err
			}
			if sum == nil {
				return fmt.Errorf("no triage summary for %q", args[0])
			}
			return printJSON(cmd.OutOrStdout(), sum)
		})
	},
}

func init() {
	conversationCmd.AddCommand(conversationGetCmd)
	summaryCmd.AddCommand(summaryGetCmd)
	rootCmd.AddCommand(conversationCmd, summaryCmd)
}

func withBuild(ctx context.Context, fn func(ctx context.Context, built *app.BuildResult) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx, flushLog := setupLogger(ctx, cfg)
	defer flushLog()

	built, err := app.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = built.Cleanup() }()
	return fn(ctx, built)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
