// ABOUTME: Dashboard stats and gateway status commands
// ABOUTME: status needs no token; stats needs a chat-viewing role

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStatsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show dashboard figures",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := opts.client(opts.logger(cmd.ErrOrStderr()))
			st, err := client.Stats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderStats(st))
			return nil
		},
	}
}

func newStatusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check that the gateway is up and its database reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := opts.client(opts.logger(cmd.ErrOrStderr()))
			out := cmd.OutOrStdout()

			fmt.Fprintf(out, "  Gateway:  %s\n", opts.server)
			ready, err := client.Ready(cmd.Context())
			if err != nil {
				fmt.Fprintf(out, "  Ready:    %s\n", errorStyle.Render("NOT READY"))
				return err
			}
			fmt.Fprintf(out, "  Ready:    %s\n", botStyle.Render(ready))

			if opts.token == "" {
				fmt.Fprintf(out, "  Auth:     %s\n", dimStyle.Render("no operator token"))
			} else {
				fmt.Fprintf(out, "  Auth:     %s\n", "operator token configured")
			}
			return nil
		},
	}
}
