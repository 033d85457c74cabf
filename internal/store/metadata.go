// ABOUTME: Typed metadata bags for sessions and messages
// ABOUTME: Recognized keys are struct fields; unknown keys pass through untouched

package store

import (
	"encoding/json"
	"maps"
)

// SessionMetadata holds the recognized session metadata keys. Any other key
// found in stored JSON is kept in Extra and written back as-is.
type SessionMetadata struct {
	WidgetPosition       string `json:"widget_position,omitempty"`
	UserAgent            string `json:"user_agent,omitempty"`
	URL                  string `json:"url,omitempty"`
	IsSitemap            bool   `json:"is_sitemap,omitempty"`
	HadHumanIntervention bool   `json:"had_human_intervention,omitempty"`
	LastAgentID          string `json:"last_agent_id,omitempty"`
	SessionEndedAt       string `json:"session_ended_at,omitempty"`
	SessionEndReason     string `json:"session_end_reason,omitempty"`

	Extra map[string]any `json:"-"`
}

var sessionMetadataKeys = map[string]bool{
	"widget_position":        true,
	"user_agent":             true,
	"url":                    true,
	"is_sitemap":             true,
	"had_human_intervention": true,
	"last_agent_id":          true,
	"session_ended_at":       true,
	"session_end_reason":     true,
}

// Merge overlays the fields set in patch onto m. Zero-valued fields in patch
// are treated as unset, so concurrent writers touching disjoint keys do not
// clobber each other.
func (m SessionMetadata) Merge(patch SessionMetadata) SessionMetadata {
	out := m
	if patch.WidgetPosition != "" {
		out.WidgetPosition = patch.WidgetPosition
	}
	if patch.UserAgent != "" {
		out.UserAgent = patch.UserAgent
	}
	if patch.URL != "" {
		out.URL = patch.URL
	}
	if patch.IsSitemap {
		out.IsSitemap = true
	}
	if patch.HadHumanIntervention {
		out.HadHumanIntervention = true
	}
	if patch.LastAgentID != "" {
		out.LastAgentID = patch.LastAgentID
	}
	if patch.SessionEndedAt != "" {
		out.SessionEndedAt = patch.SessionEndedAt
	}
	if patch.SessionEndReason != "" {
		out.SessionEndReason = patch.SessionEndReason
	}
	if len(patch.Extra) > 0 {
		out.Extra = make(map[string]any, len(m.Extra)+len(patch.Extra))
		maps.Copy(out.Extra, m.Extra)
		maps.Copy(out.Extra, patch.Extra)
	}
	return out
}

// MarshalJSON flattens Extra next to the recognized keys.
func (m SessionMetadata) MarshalJSON() ([]byte, error) {
	type known SessionMetadata
	return marshalWithExtra(known(m), m.Extra)
}

// UnmarshalJSON splits recognized keys from pass-through ones.
func (m *SessionMetadata) UnmarshalJSON(data []byte) error {
	type known SessionMetadata
	var k known
	if err := json.Unmarshal(data, &k); err != nil {
		return err
	}
	extra, err := extraKeys(data, sessionMetadataKeys)
	if err != nil {
		return err
	}
	*m = SessionMetadata(k)
	m.Extra = extra
	return nil
}

// Message source channels.
const (
	SourceWidget    = "widget"
	SourceResponder = "responder"
	SourceAgent     = "agent"
)

// MessageMetadata holds the recognized message metadata keys.
type MessageMetadata struct {
	Error             bool     `json:"error,omitempty"`
	Timeout           bool     `json:"timeout,omitempty"`
	IsWelcome         bool     `json:"is_welcome,omitempty"`
	AgentIntervention bool     `json:"agent_intervention,omitempty"`
	AgentID           string   `json:"agent_id,omitempty"`
	AgentEmail        string   `json:"agent_email,omitempty"`
	Source            string   `json:"source,omitempty"`
	Sources           []string `json:"sources,omitempty"`
	Confidence        *float64 `json:"confidence,omitempty"`
	HandoffRequired   bool     `json:"handoff_required,omitempty"`

	Extra map[string]any `json:"-"`
}

var messageMetadataKeys = map[string]bool{
	"error":              true,
	"timeout":            true,
	"is_welcome":         true,
	"agent_intervention": true,
	"agent_id":           true,
	"agent_email":        true,
	"source":             true,
	"sources":            true,
	"confidence":         true,
	"handoff_required":   true,
}

// MarshalJSON flattens Extra next to the recognized keys.
func (m MessageMetadata) MarshalJSON() ([]byte, error) {
	type known MessageMetadata
	return marshalWithExtra(known(m), m.Extra)
}

// UnmarshalJSON splits recognized keys from pass-through ones.
func (m *MessageMetadata) UnmarshalJSON(data []byte) error {
	type known MessageMetadata
	var k known
	if err := json.Unmarshal(data, &k); err != nil {
		return err
	}
	extra, err := extraKeys(data, messageMetadataKeys)
	if err != nil {
		return err
	}
	*m = MessageMetadata(k)
	m.Extra = extra
	return nil
}

// marshalWithExtra encodes v and adds extra keys that v does not already set.
func marshalWithExtra(v any, extra map[string]any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil || len(extra) == 0 {
		return data, err
	}

	var merged map[string]any
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for k, val := range extra {
		if _, exists := merged[k]; !exists {
			merged[k] = val
		}
	}
	return json.Marshal(merged)
}

// extraKeys returns the keys of a JSON object that are not in known.
func extraKeys(data []byte, known map[string]bool) (map[string]any, error) {
	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	var extra map[string]any
	for k, v := range all {
		if known[k] {
			continue
		}
		if extra == nil {
			extra = make(map[string]any)
		}
		extra[k] = v
	}
	return extra, nil
}
