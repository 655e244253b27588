package chat

// This package owns the client-side conversation state: the message list,
// per-conversation streaming flags, and the streaming session that mutates
// them in response to events demultiplexed from the agent's event stream.
//
// Design notes:
// - Collaborators (transport, uploader, plan reconciler, renderers) are
//   injected explicitly; nothing here registers itself in ambient state.
// - Only the streaming session mutates a conversation's messages and its
//   streaming flag; renderers read through Store accessors.

import (
	"crypto/rand"
	"encoding/base64"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// FileAttachmentRef identifies a remote-resident file already persisted by
// the attachment layer. Immutable once created.
type FileAttachmentRef struct {
	Path     string `json:"path"`
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
}

// ImageRef carries an inline image payload. Placeholder previews are built
// client-side before the send; the remote side may re-encode or re-order
// images during ingestion and push finalized versions via an
// images_processed event.
type ImageRef struct {
	Name        string `json:"name,omitempty"`
	MimeType    string `json:"mime_type,omitempty"`
	DataBase64  string `json:"data_base64,omitempty"`
	Placeholder bool   `json:"placeholder,omitempty"`
}

// Message is one conversation turn. The sequence is append-only except for
// the last assistant message, which is mutated in place while streaming.
type Message struct {
	ID       string              `json:"id"`
	Role     string              `json:"role"`
	Content  string              `json:"content"`
	Images   []ImageRef          `json:"images,omitempty"`
	Files    []FileAttachmentRef `json:"files,omitempty"`
	StepInfo string              `json:"step_info,omitempty"`

	CreatedAtUnixMs int64 `json:"created_at_unix_ms,omitempty"`

	// open marks the assistant message currently receiving deltas. At most
	// one message is open at a time and it is always the last element.
	open  bool
	delta deltaAccumulator
}

// Open reports whether the message is still receiving deltas.
func (m *Message) Open() bool {
	return m != nil && m.open
}

// SendConfig selects the model/agent/tool configuration for one turn.
type SendConfig struct {
	Model   string   `json:"model,omitempty"`
	Agent   string   `json:"agent,omitempty"`
	Tools   []string `json:"tools,omitempty"`
	MCPURLs []string `json:"mcp_urls,omitempty"`
}

// SendRequest is the transport-level request for one outgoing prompt.
type SendRequest struct {
	ConversationID string              `json:"chat_id"`
	Message        string              `json:"message"`
	Reset          bool                `json:"reset"`
	Config         SendConfig          `json:"config"`
	Images         []ImageRef          `json:"images,omitempty"`
	Files          []FileAttachmentRef `json:"files,omitempty"`
}

func newID(prefix string) (string, error) {
	b := make([]byte, 18)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return prefix + base64.RawURLEncoding.EncodeToString(b), nil
}

func NewMessageID() (string, error) {
	return newID("msg_")
}

func NewConversationID() (string, error) {
	return newID("chat_")
}
