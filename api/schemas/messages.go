package schemas

import "strings"

// -- Chat Message Schemas --

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"    // Instructions that frame the whole conversation.
	RoleUser      Role = "user"      // Environment state and task input presented to the model.
	RoleAssistant Role = "assistant" // Output previously produced by the model.
)

// ContentType discriminates the parts a message can carry.
type ContentType string

const (
	ContentText  ContentType = "text"
	ContentImage ContentType = "image"
	// ContentRefusal records a provider refusal verbatim when it appears in
	// an assistant turn kept in history.
	ContentRefusal ContentType = "refusal"
)

// ContentPart is one segment of a message body. Text and refusal parts carry
// prose in Text, image parts carry a data URL (or remote URL) for
// vision-capable models.
type ContentPart struct {
	Type     ContentType `json:"type"`
	Text     string      `json:"text,omitempty"`
	ImageURL string      `json:"imageUrl,omitempty"`
	// Detail is the vision fidelity hint ("low", "high", "auto"). Providers
	// that do not support it ignore it.
	Detail string `json:"detail,omitempty"`
}

// Message is a single chat turn. The orchestrator only ever produces system,
// user, and assistant roles; tool feedback travels inside user messages.
type Message struct {
	Role  Role          `json:"role"`
	Parts []ContentPart `json:"parts"`
}

// NewSystemMessage builds a plain-text system message.
func NewSystemMessage(text string) Message {
	return Message{Role: RoleSystem, Parts: []ContentPart{{Type: ContentText, Text: text}}}
}

// NewUserMessage builds a plain-text user message.
func NewUserMessage(text string) Message {
	return Message{Role: RoleUser, Parts: []ContentPart{{Type: ContentText, Text: text}}}
}

// NewAssistantMessage builds a plain-text assistant message.
func NewAssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Parts: []ContentPart{{Type: ContentText, Text: text}}}
}

// WithImage returns a copy of the message with an image part appended.
func (m Message) WithImage(dataURL, detail string) Message {
	parts := make([]ContentPart, len(m.Parts), len(m.Parts)+1)
	copy(parts, m.Parts)
	parts = append(parts, ContentPart{Type: ContentImage, ImageURL: dataURL, Detail: detail})
	return Message{Role: m.Role, Parts: parts}
}

// Text concatenates the text-bearing parts of the message, skipping images.
func (m Message) Text() string {
	var sb strings.Builder
	for _, p := range m.Parts {
		if p.Type != ContentImage {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// HasImage reports whether the message carries at least one image part.
func (m Message) HasImage() bool {
	for _, p := range m.Parts {
		if p.Type == ContentImage {
			return true
		}
	}
	return false
}

// StripImages returns a copy of the message with all image parts removed.
// Used by the context manager when reclaiming token budget.
func (m Message) StripImages() Message {
	parts := make([]ContentPart, 0, len(m.Parts))
	for _, p := range m.Parts {
		if p.Type != ContentImage {
			parts = append(parts, p)
		}
	}
	return Message{Role: m.Role, Parts: parts}
}
