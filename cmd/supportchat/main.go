// ABOUTME: Terminal client for supportchat: visitor chat plus operator views
// ABOUTME: Runs the session lifecycle and reconciler against a gateway over HTTP

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/2389/supportchat/internal/remote"
)

var (
	version = "dev"
	commit  = "unknown"
)

// options are the persistent flags shared by every command.
type options struct {
	server    string
	token     string
	websocket bool
	verbose   bool
}

// getToken returns the operator token from SUPPORTCHAT_TOKEN or
// ~/.config/supportchat/token.
func getToken() string {
	if token := os.Getenv("SUPPORTCHAT_TOKEN"); token != "" {
		return token
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	data, err := os.ReadFile(filepath.Join(configDir, "supportchat", "token"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (o *options) logger(w io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if o.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// client builds a gateway client from the persistent flags.
func (o *options) client(logger *slog.Logger, extra ...remote.Option) *remote.Client {
	opts := []remote.Option{remote.WithLogger(logger)}
	if o.token != "" {
		opts = append(opts, remote.WithToken(o.token))
	}
	if o.websocket {
		opts = append(opts, remote.WithWebSocket())
	}
	return remote.New(o.server, append(opts, extra...)...)
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "supportchat",
		Short: "Chat with a supportchat bot or watch live conversations",
		Long: `supportchat talks to a supportchat-gateway.

As a visitor it opens a chat session, sends messages to the automation
engine and shows replies and operator messages as they arrive.

As an operator (with a token from "supportchat-gateway token") it lists
sessions, renders transcripts, shows stats and lets you step into a
live conversation.

Quick Start:
  supportchat chat --chatbot bot-1 --responder https://engine/webhook
  supportchat sessions --status active
  supportchat watch <session-id>
  supportchat intervene <session-id> "Hi, a human here"`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.server, "server", getEnv("SUPPORTCHAT_SERVER", "http://127.0.0.1:8080"), "gateway URL")
	root.PersistentFlags().StringVar(&opts.token, "token", getToken(), "operator token (default from SUPPORTCHAT_TOKEN or ~/.config/supportchat/token)")
	root.PersistentFlags().BoolVar(&opts.websocket, "websocket", false, "follow feeds over WebSocket instead of SSE")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	root.AddCommand(
		newChatCmd(opts),
		newChatbotsCmd(opts),
		newSessionsCmd(opts),
		newTranscriptCmd(opts),
		newWatchCmd(opts),
		newInterveneCmd(opts),
		newStatsCmd(opts),
		newStatusCmd(opts),
	)
	return root
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
