package models

import (
	"encoding/json"
	"time"
	"unicode/utf8"
)

// Conversation is the unit of persisted history. Messages are append-only
// while a run is live; a failed run never leaves a partial append behind.
type Conversation struct {
	ID               string            `json:"id"`
	OwnerID          string            `json:"ownerId,omitempty"`
	TenantID         string            `json:"tenantId,omitempty"`
	Title            string            `json:"title,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
	Messages         []Message         `json:"messages"`
	PendingApprovals []PendingApproval `json:"pendingApprovals,omitempty"`

	// RunID is the runtime id of the most recent run, if any.
	RunID string `json:"runId,omitempty"`
}

// ConversationSummary is the index entry persisted alongside full bodies.
type ConversationSummary struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"ownerId,omitempty"`
	Title        string    `json:"title,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	MessageCount int       `json:"messageCount"`
}

// Summary derives the index entry for this conversation.
func (c *Conversation) Summary() ConversationSummary {
	return ConversationSummary{
		ID:           c.ID,
		OwnerID:      c.OwnerID,
		Title:        c.Title,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
		MessageCount: len(c.Messages),
	}
}

// maxTitleLen bounds titles inferred from the first user message.
const maxTitleLen = 80

// InferTitle fills Title from the first user message when unset.
func (c *Conversation) InferTitle() {
	if c.Title != "" {
		return
	}
	for i := range c.Messages {
		if c.Messages[i].Role != RoleUser {
			continue
		}
		title := c.Messages[i].Text()
		if len(title) > maxTitleLen {
			cut := maxTitleLen - 1
			for cut > 0 && !utf8.RuneStart(title[cut]) {
				cut--
			}
			title = title[:cut] + "…"
		}
		c.Title = title
		return
	}
}

// PendingApproval records a gated tool call awaiting a decision. It survives
// subscriber disconnects: the entry stays on the conversation until resolved
// or the run is cancelled.
type PendingApproval struct {
	ID             string          `json:"id"`
	RunID          string          `json:"runId"`
	ConversationID string          `json:"conversationId"`
	Tool           string          `json:"tool"`
	Input          json.RawMessage `json:"input,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}
