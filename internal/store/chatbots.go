// ABOUTME: Chatbot entity and store methods for the chatbot registry
// ABOUTME: A chatbot names the automation webhook, its knowledge bases and widget settings

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Chatbot errors.
var (
	ErrDuplicateChatbot = errors.New("chatbot already exists")
	ErrInvalidChatbot   = errors.New("invalid chatbot")
)

// Widget positions accepted in ChatbotConfig.Position.
const (
	PositionBottomRight = "bottom-right"
	PositionBottomLeft  = "bottom-left"
	PositionTopRight    = "top-right"
	PositionTopLeft     = "top-left"
)

// ChatbotAppearance is the widget styling chosen in the dashboard.
type ChatbotAppearance struct {
	PrimaryColor string `json:"primaryColor,omitempty"`
	BorderRadius string `json:"borderRadius,omitempty"`
	FontFamily   string `json:"fontFamily,omitempty"`
}

// ChatbotConfig holds widget settings. Stored as JSON.
type ChatbotConfig struct {
	Position       string             `json:"position,omitempty"`
	WelcomeMessage string             `json:"welcomeMessage,omitempty"`
	Appearance     *ChatbotAppearance `json:"appearance,omitempty"`
}

// Chatbot is one configured bot. Sessions reference it by ID.
type Chatbot struct {
	ID               string
	Name             string
	Description      string
	KnowledgeBaseIDs []string
	WebhookURL       string // automation engine endpoint for this bot
	Config           ChatbotConfig
	IsActive         bool
	OwnerID          string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Validate checks the fields the dashboard requires.
func (c *Chatbot) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidChatbot)
	}
	if err := validateWebhookURL(c.WebhookURL); err != nil {
		return err
	}
	switch c.Config.Position {
	case "", PositionBottomRight, PositionBottomLeft, PositionTopRight, PositionTopLeft:
	default:
		return fmt.Errorf("%w: unknown position %q", ErrInvalidChatbot, c.Config.Position)
	}
	return nil
}

func validateWebhookURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("%w: webhook url is required", ErrInvalidChatbot)
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: webhook url must be an http(s) URL", ErrInvalidChatbot)
	}
	return nil
}

// ChatbotPatch describes a partial chatbot update. Nil fields are left alone.
type ChatbotPatch struct {
	Name             *string
	Description      *string
	KnowledgeBaseIDs *[]string
	WebhookURL       *string
	Config           *ChatbotConfig
	IsActive         *bool
}

// Apply returns a copy of c with the patch applied and validated.
func (p ChatbotPatch) Apply(c *Chatbot) (*Chatbot, error) {
	out := *c
	if p.Name != nil {
		out.Name = *p.Name
	}
	if p.Description != nil {
		out.Description = *p.Description
	}
	if p.KnowledgeBaseIDs != nil {
		out.KnowledgeBaseIDs = append([]string(nil), (*p.KnowledgeBaseIDs)...)
	}
	if p.WebhookURL != nil {
		out.WebhookURL = *p.WebhookURL
	}
	if p.Config != nil {
		out.Config = *p.Config
	}
	if p.IsActive != nil {
		out.IsActive = *p.IsActive
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return &out, nil
}

// ChatbotUsage is the per-bot activity shown in the chatbot list.
type ChatbotUsage struct {
	SessionCount int
	LastActivity time.Time // zero when the bot has no sessions
}

// ChatbotStore is the chatbot registry.
type ChatbotStore interface {
	CreateChatbot(ctx context.Context, bot *Chatbot) error
	GetChatbot(ctx context.Context, id string) (*Chatbot, error)
	UpdateChatbot(ctx context.Context, id string, patch ChatbotPatch) (*Chatbot, error)
	ListChatbots(ctx context.Context) ([]*Chatbot, error)
	DeleteChatbot(ctx context.Context, id string) error
	ChatbotUsage(ctx context.Context) (map[string]ChatbotUsage, error)
}

// prepareChatbot fills server-side defaults before insert.
func prepareChatbot(bot *Chatbot, now time.Time) error {
	if bot.ID == "" {
		bot.ID = uuid.New().String()
	}
	if bot.CreatedAt.IsZero() {
		bot.CreatedAt = now
	}
	if bot.UpdatedAt.IsZero() {
		bot.UpdatedAt = bot.CreatedAt
	}
	if bot.KnowledgeBaseIDs == nil {
		bot.KnowledgeBaseIDs = []string{}
	}
	return bot.Validate()
}

const chatbotColumns = `id, name, description, knowledge_base_ids_json, webhook_url, config_json, is_active, owner_id, created_at, updated_at`

// CreateChatbot inserts a chatbot, assigning its ID when empty.
func (s *SQLiteStore) CreateChatbot(ctx context.Context, bot *Chatbot) error {
	if err := prepareChatbot(bot, time.Now()); err != nil {
		return err
	}

	kbIDs, err := json.Marshal(bot.KnowledgeBaseIDs)
	if err != nil {
		return fmt.Errorf("encoding knowledge base ids: %w", err)
	}
	cfg, err := json.Marshal(bot.Config)
	if err != nil {
		return fmt.Errorf("encoding chatbot config: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chatbots (`+chatbotColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		bot.ID,
		bot.Name,
		bot.Description,
		string(kbIDs),
		bot.WebhookURL,
		string(cfg),
		bot.IsActive,
		bot.OwnerID,
		formatTime(bot.CreatedAt),
		formatTime(bot.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateChatbot
		}
		return fmt.Errorf("inserting chatbot: %w", err)
	}

	s.logger.Debug("created chatbot", "id", bot.ID, "name", bot.Name)
	return nil
}

func scanChatbot(row rowScanner) (*Chatbot, error) {
	var bot Chatbot
	var kbIDs, cfg, createdAt, updatedAt string

	if err := row.Scan(
		&bot.ID,
		&bot.Name,
		&bot.Description,
		&kbIDs,
		&bot.WebhookURL,
		&cfg,
		&bot.IsActive,
		&bot.OwnerID,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(kbIDs), &bot.KnowledgeBaseIDs); err != nil {
		return nil, fmt.Errorf("decoding knowledge base ids: %w", err)
	}
	if err := json.Unmarshal([]byte(cfg), &bot.Config); err != nil {
		return nil, fmt.Errorf("decoding chatbot config: %w", err)
	}

	var err error
	if bot.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if bot.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &bot, nil
}

// GetChatbot retrieves a chatbot by ID.
// Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) GetChatbot(ctx context.Context, id string) (*Chatbot, error) {
	bot, err := scanChatbot(s.db.QueryRowContext(ctx, `SELECT `+chatbotColumns+` FROM chatbots WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying chatbot: %w", err)
	}
	return bot, nil
}

// UpdateChatbot applies a patch. Returns ErrNotFound if the chatbot doesn't
// exist and ErrInvalidChatbot if the result fails validation.
func (s *SQLiteStore) UpdateChatbot(ctx context.Context, id string, patch ChatbotPatch) (*Chatbot, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := scanChatbot(tx.QueryRowContext(ctx, `SELECT `+chatbotColumns+` FROM chatbots WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying chatbot: %w", err)
	}

	bot, err := patch.Apply(current)
	if err != nil {
		return nil, err
	}
	bot.UpdatedAt = time.Now()

	kbIDs, err := json.Marshal(bot.KnowledgeBaseIDs)
	if err != nil {
		return nil, fmt.Errorf("encoding knowledge base ids: %w", err)
	}
	cfg, err := json.Marshal(bot.Config)
	if err != nil {
		return nil, fmt.Errorf("encoding chatbot config: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE chatbots
		SET name = ?, description = ?, knowledge_base_ids_json = ?, webhook_url = ?,
		    config_json = ?, is_active = ?, updated_at = ?
		WHERE id = ?
	`, bot.Name, bot.Description, string(kbIDs), bot.WebhookURL,
		string(cfg), bot.IsActive, formatTime(bot.UpdatedAt), id); err != nil {
		return nil, fmt.Errorf("updating chatbot: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing chatbot update: %w", err)
	}

	s.logger.Debug("updated chatbot", "id", id, "active", bot.IsActive)
	return bot, nil
}

// ListChatbots returns every chatbot, newest first.
func (s *SQLiteStore) ListChatbots(ctx context.Context) ([]*Chatbot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+chatbotColumns+` FROM chatbots ORDER BY created_at DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying chatbots: %w", err)
	}
	defer rows.Close()

	var bots []*Chatbot
	for rows.Next() {
		bot, err := scanChatbot(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning chatbot row: %w", err)
		}
		bots = append(bots, bot)
	}
	return bots, rows.Err()
}

// DeleteChatbot removes a chatbot. Its sessions and messages are kept for
// transcripts and stats. Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) DeleteChatbot(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM chatbots WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting chatbot: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.logger.Debug("deleted chatbot", "id", id)
	return nil
}

// ChatbotUsage returns session counts and last activity keyed by chatbot id.
func (s *SQLiteStore) ChatbotUsage(ctx context.Context) (map[string]ChatbotUsage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chatbot_id, COUNT(*), MAX(updated_at)
		FROM chat_sessions
		GROUP BY chatbot_id
	`)
	if err != nil {
		return nil, fmt.Errorf("querying chatbot usage: %w", err)
	}
	defer rows.Close()

	usage := make(map[string]ChatbotUsage)
	for rows.Next() {
		var id, last string
		var u ChatbotUsage
		if err := rows.Scan(&id, &u.SessionCount, &last); err != nil {
			return nil, fmt.Errorf("scanning chatbot usage: %w", err)
		}
		if u.LastActivity, err = parseTime(last); err != nil {
			return nil, fmt.Errorf("parsing last activity: %w", err)
		}
		usage[id] = u
	}
	return usage, rows.Err()
}
