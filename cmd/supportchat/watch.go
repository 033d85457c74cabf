// ABOUTME: Operator commands for following a live conversation and stepping into it
// ABOUTME: watch is read-only; intervene posts tagged agent messages

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/2389/supportchat/internal/intervention"
	"github.com/2389/supportchat/internal/remote"
	"github.com/2389/supportchat/internal/store"
)

// followPrinter prints each message of a viewer snapshot once.
type followPrinter struct {
	mu      sync.Mutex
	out     io.Writer
	printed map[string]bool
}

func newFollowPrinter(out io.Writer) *followPrinter {
	return &followPrinter{out: out, printed: make(map[string]bool)}
}

func (p *followPrinter) onChange(snapshot []*store.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range snapshot {
		if p.printed[m.ID] {
			continue
		}
		p.printed[m.ID] = true
		fmt.Fprintln(p.out, formatMessage(m))
	}
}

func (p *followPrinter) println(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, s)
}

// follow starts a viewer on the session. History prints between the
// header and the status line.
func follow(ctx context.Context, client *remote.Client, logger *slog.Logger, sessionID string, realtime bool, poll time.Duration, printer *followPrinter) (*intervention.Viewer, error) {
	viewer := intervention.NewViewer(intervention.ViewerConfig{
		SessionID:    sessionID,
		PollInterval: poll,
		Realtime:     realtime,
		OnChange:     printer.onChange,
	}, client, client, client, logger)

	printer.println(headerStyle.Render("Session " + sessionID))
	if err := viewer.Start(ctx); err != nil {
		viewer.Close()
		return nil, err
	}

	mode := "live"
	switch {
	case !viewer.Realtime():
		mode = fmt.Sprintf("polling every %s", poll)
	case !viewer.Subscribed():
		mode = "not following, session is not active"
	}
	printer.println(fmt.Sprintf("%s %s", formatStatus(viewer.Session().Status), dimStyle.Render("("+mode+")")))
	return viewer, nil
}

func newWatchCmd(opts *options) *cobra.Command {
	var (
		noRealtime bool
		poll       time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch <session-id>",
		Short: "Follow a conversation as it happens",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := opts.logger(cmd.ErrOrStderr())
			printer := newFollowPrinter(cmd.OutOrStdout())

			viewer, err := follow(cmd.Context(), opts.client(logger), logger, args[0], !noRealtime, poll, printer)
			if err != nil {
				return err
			}
			defer viewer.Close()

			<-cmd.Context().Done()
			return nil
		},
	}

	cmd.Flags().BoolVar(&noRealtime, "no-realtime", false, "poll instead of following the live feed")
	cmd.Flags().DurationVar(&poll, "poll", intervention.DefaultPollInterval, "poll interval with --no-realtime")
	return cmd
}

func newInterveneCmd(opts *options) *cobra.Command {
	var poll time.Duration

	cmd := &cobra.Command{
		Use:   "intervene <session-id> [message...]",
		Short: "Reply to a visitor as a human agent",
		Long: `Reply to a visitor as a human agent.

With a message, posts it and exits. Without one, follows the conversation
and posts every line you type. /realtime toggles the live feed, /quit leaves.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := opts.logger(cmd.ErrOrStderr())
			client := opts.client(logger)
			out := cmd.OutOrStdout()
			sessionID := args[0]

			if len(args) > 1 {
				msg, err := client.SendAgentMessage(cmd.Context(), sessionID, strings.Join(args[1:], " "))
				if err != nil {
					return err
				}
				fmt.Fprintln(out, formatMessage(msg))
				return nil
			}

			printer := newFollowPrinter(out)
			viewer, err := follow(cmd.Context(), client, logger, sessionID, true, poll, printer)
			if err != nil {
				return err
			}
			defer viewer.Close()

			return interveneLoop(cmd.Context(), client, viewer, printer, cmd.InOrStdin())
		},
	}

	cmd.Flags().DurationVar(&poll, "poll", intervention.DefaultPollInterval, "poll interval while realtime is off")
	return cmd
}

func interveneLoop(ctx context.Context, client *remote.Client, viewer *intervention.Viewer, printer *followPrinter, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())

		switch line {
		case "":
			continue
		case "/quit", "/exit", "/q":
			return nil
		case "/realtime":
			on := !viewer.Realtime()
			if err := viewer.SetRealtime(ctx, on); err != nil {
				printer.println(errorStyle.Render(err.Error()))
				continue
			}
			printer.println(dimStyle.Render(fmt.Sprintf("realtime %t", on)))
			continue
		}

		msg, err := client.SendAgentMessage(ctx, viewer.Session().ID, line)
		if err != nil {
			printer.println(errorStyle.Render(err.Error()))
			continue
		}
		// The feed may already have delivered it
		printer.onChange([]*store.Message{msg})
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading input: %w", err)
	}
	return nil
}
