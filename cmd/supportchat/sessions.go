// ABOUTME: Operator commands for listing sessions and exporting transcripts
// ABOUTME: Both need a token with a chat-viewing role

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/2389/supportchat/internal/store"
)

func newSessionsCmd(opts *options) *cobra.Command {
	var (
		status  string
		chatbot string
		visitor string
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "sessions [session-id]",
		Short: "List recent sessions, or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := opts.client(opts.logger(cmd.ErrOrStderr()))
			out := cmd.OutOrStdout()

			if len(args) == 1 {
				detail, err := client.AdminSession(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				writeSessionDetail(out, detail)
				return nil
			}

			filter := store.SessionFilter{
				VisitorID: visitor,
				ChatbotID: chatbot,
				Status:    store.SessionStatus(status),
				Limit:     limit,
			}
			if filter.Status != "" && !filter.Status.Valid() {
				return fmt.Errorf("unknown status %q", status)
			}

			sessions, err := client.AdminSessions(cmd.Context(), filter)
			if err != nil {
				return err
			}
			writeSessionTable(out, sessions)
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status (active, completed, abandoned)")
	cmd.Flags().StringVar(&chatbot, "chatbot", "", "filter by chatbot id")
	cmd.Flags().StringVar(&visitor, "visitor", "", "filter by visitor id")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum sessions (gateway default 50)")
	return cmd
}

func newTranscriptCmd(opts *options) *cobra.Command {
	var (
		format string
		output string
	)

	cmd := &cobra.Command{
		Use:   "transcript <session-id>",
		Short: "Export a conversation as HTML or Markdown",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch format {
			case "html", "md":
			default:
				return fmt.Errorf("unsupported format %q (use html or md)", format)
			}

			client := opts.client(opts.logger(cmd.ErrOrStderr()))
			doc, err := client.Transcript(cmd.Context(), args[0], format)
			if err != nil {
				return err
			}

			if output == "" || output == "-" {
				_, err = fmt.Fprint(cmd.OutOrStdout(), doc)
				return err
			}
			if err := os.WriteFile(output, []byte(doc), 0644); err != nil {
				return fmt.Errorf("writing transcript: %w", err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "✓ Wrote %s\n", output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "md", "html or md")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to file instead of stdout")
	return cmd
}
