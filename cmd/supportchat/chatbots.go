// ABOUTME: Operator commands for the chatbot registry
// ABOUTME: Needs a Super Admin or Chatbot Manager token

package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/2389/supportchat/internal/api"
	"github.com/2389/supportchat/internal/store"
)

func newChatbotsCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chatbots",
		Short: "List chatbots with their chat counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := opts.client(opts.logger(cmd.ErrOrStderr()))
			bots, err := client.Chatbots(cmd.Context())
			if err != nil {
				return err
			}
			writeChatbotTable(cmd.OutOrStdout(), bots)
			return nil
		},
	}

	cmd.AddCommand(
		newChatbotCreateCmd(opts),
		newChatbotToggleCmd(opts, "enable", "Let widgets open sessions with a chatbot again", true),
		newChatbotToggleCmd(opts, "disable", "Stop widgets from opening sessions with a chatbot", false),
		newChatbotDeleteCmd(opts),
	)
	return cmd
}

func newChatbotCreateCmd(opts *options) *cobra.Command {
	var req api.CreateChatbotRequest

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a chatbot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := opts.client(opts.logger(cmd.ErrOrStderr()))
			bot, err := client.CreateChatbot(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created chatbot %s (%s)\n", idStyle.Render(bot.ID), bot.Name)
			return nil
		},
	}

	cmd.Flags().StringVar(&req.ID, "id", "", "chatbot id (generated when empty)")
	cmd.Flags().StringVar(&req.Name, "name", "", "display name")
	cmd.Flags().StringVar(&req.Description, "description", "", "description")
	cmd.Flags().StringVar(&req.WebhookURL, "webhook", "", "automation engine webhook URL")
	cmd.Flags().StringSliceVar(&req.KnowledgeBaseIDs, "kb", nil, "knowledge base ids")
	cmd.Flags().StringVar(&req.Config.WelcomeMessage, "welcome", "", "welcome line for an empty conversation")
	cmd.Flags().StringVar(&req.Config.Position, "position", store.PositionBottomRight, "widget position")
	return cmd
}

func newChatbotToggleCmd(opts *options, use, short string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <chatbot-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := opts.client(opts.logger(cmd.ErrOrStderr()))
			bot, err := client.UpdateChatbot(cmd.Context(), args[0], api.PatchChatbotRequest{IsActive: &active})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", bot.ID, activeLabel(bot.IsActive))
			return nil
		},
	}
}

func newChatbotDeleteCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <chatbot-id>",
		Short: "Delete a chatbot; its conversations are kept",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := opts.client(opts.logger(cmd.ErrOrStderr()))
			if err := client.DeleteChatbot(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted chatbot %s\n", args[0])
			return nil
		},
	}
}

func activeLabel(active bool) string {
	if active {
		return "active"
	}
	return "inactive"
}

func writeChatbotTable(w io.Writer, bots []api.AdminChatbot) {
	if len(bots) == 0 {
		fmt.Fprintln(w, headerStyle.Render("No chatbots registered"))
		return
	}

	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("%d chatbot(s)", len(bots))))
	tw := tabwriter.NewWriter(w, 0, 2, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tCHATS\tLAST ACTIVITY")
	for _, b := range bots {
		last := "never"
		if b.LastActivity != nil {
			last = b.LastActivity.Local().Format("Jan 02 15:04")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", b.ID, b.Name, activeLabel(b.IsActive), b.ChatCount, last)
	}
	tw.Flush()
}
