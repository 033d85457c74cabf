// ABOUTME: Visitor chat command: resolves a session, then runs the reconciler loop
// ABOUTME: Ends the session on exit the way a closing widget does

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/2389/supportchat/internal/lifecycle"
	"github.com/2389/supportchat/internal/reconciler"
	"github.com/2389/supportchat/internal/responder"
	"github.com/2389/supportchat/internal/store"
)

type chatOptions struct {
	chatbot      string
	responderURL string
	session      string
	visitorFile  string
	platform     string
	welcome      string
	replyTimeout time.Duration
	kbIDs        []string
}

func newChatCmd(opts *options) *cobra.Command {
	co := &chatOptions{}

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Open a chat session as a visitor",
		Long: `Open a chat session as a visitor.

Any other active session of this visitor is ended first. The webhook URL,
knowledge bases and welcome line come from the chatbot's registry entry;
--responder, --kb and --welcome override them. Operator messages arrive live.
Type /end to close the conversation, /quit to leave (the session is ended
as if the browser closed).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), opts, co, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVar(&co.chatbot, "chatbot", getEnv("SUPPORTCHAT_CHATBOT", ""), "chatbot id")
	cmd.Flags().StringVar(&co.responderURL, "responder", getEnv("SUPPORTCHAT_RESPONDER_URL", ""), "override the chatbot's webhook URL")
	cmd.Flags().StringVar(&co.session, "session", "", "resume this session id instead of starting a new one")
	cmd.Flags().StringVar(&co.visitorFile, "visitor-file", "", "visitor id file (default ~/.config/supportchat/visitor_id)")
	cmd.Flags().StringVar(&co.platform, "platform", "cli", "platform reported to the engine")
	cmd.Flags().StringVar(&co.welcome, "welcome", "", "override the chatbot's welcome line")
	cmd.Flags().DurationVar(&co.replyTimeout, "reply-timeout", reconciler.DefaultTimeout, "how long to wait for a reply")
	cmd.Flags().StringSliceVar(&co.kbIDs, "kb", nil, "override the chatbot's knowledge base ids")
	return cmd
}

// chatPrinter serializes timeline output and signals when a turn settles.
type chatPrinter struct {
	mu   sync.Mutex
	out  io.Writer
	idle chan struct{}
}

func (p *chatPrinter) handle(ev reconciler.Event) {
	switch ev.Kind {
	case reconciler.EventAppended:
		// Optimistic user lines are already on screen as typed input
		if ev.Entry.Role == store.RoleUser && !ev.Entry.Confirmed {
			return
		}
		p.mu.Lock()
		fmt.Fprintln(p.out, formatEntry(ev.Entry))
		p.mu.Unlock()
	case reconciler.EventPendingChanged:
		if ev.Pending {
			p.mu.Lock()
			fmt.Fprintln(p.out, dimStyle.Render("…"))
			p.mu.Unlock()
			return
		}
		select {
		case p.idle <- struct{}{}:
		default:
		}
	}
}

// notice prints an inline error line.
func (p *chatPrinter) notice(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, errorStyle.Render("! "+text))
}

func (p *chatPrinter) drainIdle() {
	select {
	case <-p.idle:
	default:
	}
}

func runChat(ctx context.Context, opts *options, co *chatOptions, in io.Reader, out, errOut io.Writer) error {
	if co.chatbot == "" {
		return fmt.Errorf("--chatbot is required")
	}

	logger := opts.logger(errOut)
	client := opts.client(logger)

	bot, err := client.GetChatbot(ctx, co.chatbot)
	if err != nil {
		return fmt.Errorf("loading chatbot %s: %w", co.chatbot, err)
	}
	settings := chatSettings(bot, co)
	if settings.responderURL == "" {
		return fmt.Errorf("chatbot %s has no webhook URL and --responder is not set", co.chatbot)
	}

	visitorPath := co.visitorFile
	if visitorPath == "" {
		p, err := lifecycle.DefaultVisitorPath()
		if err != nil {
			return err
		}
		visitorPath = p
	}
	visitorID, err := lifecycle.EnsureVisitorID(&lifecycle.FileVisitorStore{Path: visitorPath})
	if err != nil {
		return err
	}

	manager := lifecycle.NewManager(client, lifecycle.Config{Chatbots: client}, logger)
	res, err := manager.ResolveOrCreate(ctx, lifecycle.ResolveRequest{
		SessionID: co.session,
		VisitorID: visitorID,
		ChatbotID: co.chatbot,
		Platform:  co.platform,
	})
	if err != nil {
		return fmt.Errorf("opening session: %w", err)
	}
	sessionID := res.Session.ID

	fmt.Fprintln(out, headerStyle.Render("supportchat"))
	fmt.Fprintf(out, "Session %s (%s)\n", idStyle.Render(sessionID), res.Outcome)
	fmt.Fprintln(out, dimStyle.Render("/end to close the conversation, /quit to leave"))
	fmt.Fprintln(out)

	printer := &chatPrinter{out: out, idle: make(chan struct{}, 1)}
	rec, err := reconciler.New(reconciler.Config{
		SessionID:        sessionID,
		ChatbotID:        co.chatbot,
		VisitorID:        visitorID,
		Platform:         co.platform,
		KnowledgeBaseIDs: settings.kbIDs,
		Timeout:          co.replyTimeout,
		WelcomeMessage:   settings.welcome,
		OnChange:         printer.handle,
	}, client, responder.NewClient(settings.responderURL,
		responder.WithTimeout(co.replyTimeout),
		responder.WithLogger(logger),
	), logger)
	if err != nil {
		return err
	}

	if err := rec.Attach(ctx, client); err != nil {
		// Replies still arrive on the synchronous path
		logger.Warn("live updates unavailable", "error", err)
	}
	loadHistory(ctx, rec, printer)

	ended, loopErr := chatLoop(ctx, rec, printer, in)
	rec.Close()

	if ended {
		endCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := manager.Terminate(endCtx, sessionID, lifecycle.ReasonUserClosed); err != nil {
			return err
		}
		fmt.Fprintln(out, dimStyle.Render("Conversation ended."))
		return loopErr
	}

	manager.OnUnload(sessionID)
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := manager.Flush(flushCtx); err != nil {
		logger.Warn("session end did not finish", "error", err)
	}
	return loopErr
}

type resolvedChat struct {
	responderURL string
	kbIDs        []string
	welcome      string
}

// chatSettings merges the chatbot row with command line overrides.
func chatSettings(bot *store.Chatbot, co *chatOptions) resolvedChat {
	rc := resolvedChat{
		responderURL: bot.WebhookURL,
		kbIDs:        bot.KnowledgeBaseIDs,
		welcome:      bot.Config.WelcomeMessage,
	}
	if co.responderURL != "" {
		rc.responderURL = co.responderURL
	}
	if len(co.kbIDs) > 0 {
		rc.kbIDs = co.kbIDs
	}
	if co.welcome != "" {
		rc.welcome = co.welcome
	}
	return rc
}

type historyLoader interface {
	LoadHistory(ctx context.Context) error
}

// loadHistory shows earlier messages. A failure is printed inline and the
// chat carries on with an empty timeline.
func loadHistory(ctx context.Context, rec historyLoader, printer *chatPrinter) {
	if err := rec.LoadHistory(ctx); err != nil {
		printer.notice("could not load earlier messages: " + err.Error())
	}
}

// chatLoop reads lines until EOF, /quit or /end. ended reports /end.
func chatLoop(ctx context.Context, rec *reconciler.Reconciler, printer *chatPrinter, in io.Reader) (ended bool, err error) {
	scanner := bufio.NewScanner(in)
	lines := make(chan string)
	readErr := make(chan error, 1)

	go func() {
		defer close(lines)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		var input string
		select {
		case <-ctx.Done():
			return false, nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-readErr:
					if err != nil {
						return false, fmt.Errorf("reading input: %w", err)
					}
				default:
				}
				return false, nil
			}
			input = strings.TrimSpace(line)
		}

		switch input {
		case "":
			continue
		case "/quit", "/exit", "/q":
			return false, nil
		case "/end":
			return true, nil
		}

		printer.drainIdle()
		if err := rec.SendUserMessage(ctx, input); err != nil {
			if errors.Is(err, reconciler.ErrSendPending) {
				printer.mu.Lock()
				fmt.Fprintln(printer.out, dimStyle.Render("still waiting for the last reply"))
				printer.mu.Unlock()
			}
			continue
		}

		select {
		case <-printer.idle:
		case <-ctx.Done():
			return false, nil
		}
	}
}
