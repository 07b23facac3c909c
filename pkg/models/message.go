// Package models defines the shared data types for the Poncho agent runtime:
// conversations, messages, runs, tool calls, and the event vocabulary streamed
// to subscribers.
package models

import (
	"strings"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is a single entry in a conversation transcript.
//
// Content carries plain text. When a message holds non-text content (file
// attachments), Parts is set instead and Content holds the concatenated text
// parts for providers that only accept text.
type Message struct {
	ID        string        `json:"id,omitempty"`
	Role      Role          `json:"role"`
	Content   string        `json:"content,omitempty"`
	Parts     []ContentPart `json:"parts,omitempty"`
	Metadata  *MessageMeta  `json:"metadata,omitempty"`
	CreatedAt time.Time     `json:"createdAt,omitempty"`

	// ToolCalls is set on assistant messages that requested tools;
	// ToolResults on the tool messages answering them. Providers need the
	// structured forms to replay a transcript.
	ToolCalls   []ToolCall   `json:"toolCalls,omitempty"`
	ToolResults []ToolResult `json:"toolResults,omitempty"`
}

// PartType discriminates content parts.
type PartType string

const (
	PartText PartType = "text"
	PartFile PartType = "file"
)

// ContentPart is one element of an ordered message body.
type ContentPart struct {
	Type PartType `json:"type"`
	Text string   `json:"text,omitempty"`
	File *FileRef `json:"file,omitempty"`
}

// FileRefKind identifies how a file part's payload is addressed.
type FileRefKind string

const (
	FileBase64  FileRefKind = "base64"
	FileDataURI FileRefKind = "dataURI"
	FileURL     FileRefKind = "url"
	FileUpload  FileRefKind = "upload"
)

// FileRef points at binary content attached to a message. Exactly one of
// Data, URI, URL, or UploadKey is set depending on Kind.
type FileRef struct {
	Kind      FileRefKind `json:"kind"`
	Name      string      `json:"name,omitempty"`
	MediaType string      `json:"mediaType,omitempty"`
	Data      string      `json:"data,omitempty"`
	URI       string      `json:"uri,omitempty"`
	URL       string      `json:"url,omitempty"`
	UploadKey string      `json:"uploadKey,omitempty"`
}

// MessageMeta carries optional per-message bookkeeping. Assistant messages
// produced by a run that used tools record the tool activity in Sections so
// transcripts replay without the event log.
type MessageMeta struct {
	TokenCount int       `json:"tokenCount,omitempty"`
	Step       int       `json:"step,omitempty"`
	Activity   []string  `json:"activity,omitempty"`
	Sections   []Section `json:"sections,omitempty"`
}

// Section is a structured block attached to a message (tool activity, notes).
type Section struct {
	Type  string `json:"type"`
	Title string `json:"title,omitempty"`
	Body  string `json:"body,omitempty"`
}

// Text returns the textual content of the message, flattening parts if set.
func (m *Message) Text() string {
	if m.Content != "" || len(m.Parts) == 0 {
		return m.Content
	}
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// TextMessage builds a plain-text message with the given role.
func TextMessage(role Role, content string) Message {
	return Message{Role: role, Content: content, CreatedAt: time.Now().UTC()}
}
