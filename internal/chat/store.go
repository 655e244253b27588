package chat

import (
	"errors"
	"strings"
	"sync"
	"time"
)

var ErrConversationNotFound = errors.New("conversation not found")

// Conversation is the message list and per-conversation flags for one chat.
type Conversation struct {
	ID       string     `json:"id"`
	Title    string     `json:"title"`
	Config   SendConfig `json:"config"`
	Messages []Message  `json:"messages"`

	// ShouldReset is set when the user requested a fresh reasoning context;
	// it is consumed exactly once by the next send.
	ShouldReset bool `json:"should_reset,omitempty"`

	CreatedAtUnixMs int64 `json:"created_at_unix_ms"`
	UpdatedAtUnixMs int64 `json:"updated_at_unix_ms"`
}

// Store holds all locally known conversations and the identity of the one
// conversation that is actively streaming. The streaming flag for a given
// conversation is derived by id comparison, not a global boolean: the
// conversation being displayed is not necessarily the one streaming.
type Store struct {
	mu            sync.Mutex
	conversations map[string]*Conversation
	streamingID   string
}

func NewStore() *Store {
	return &Store{conversations: make(map[string]*Conversation)}
}

// Track registers a conversation (typically after the backend created it).
func (s *Store) Track(conv Conversation) error {
	if s == nil {
		return errors.New("nil store")
	}
	conv.ID = strings.TrimSpace(conv.ID)
	if conv.ID == "" {
		return errors.New("missing conversation id")
	}
	now := time.Now().UnixMilli()
	if conv.CreatedAtUnixMs <= 0 {
		conv.CreatedAtUnixMs = now
	}
	if conv.UpdatedAtUnixMs <= 0 {
		conv.UpdatedAtUnixMs = now
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[conv.ID] = &conv
	return nil
}

func (s *Store) Forget(conversationID string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, strings.TrimSpace(conversationID))
}

// Conversation returns a copy safe for rendering.
func (s *Store) Conversation(conversationID string) (Conversation, bool) {
	if s == nil {
		return Conversation{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.conversations[strings.TrimSpace(conversationID)]
	if conv == nil {
		return Conversation{}, false
	}
	return cloneConversation(conv), true
}

// Messages returns a copy of the conversation's message list.
func (s *Store) Messages(conversationID string) []Message {
	conv, ok := s.Conversation(conversationID)
	if !ok {
		return nil
	}
	return conv.Messages
}

// RequestReset marks the conversation so the next send starts a fresh
// reasoning context on the remote agent.
func (s *Store) RequestReset(conversationID string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv := s.conversations[strings.TrimSpace(conversationID)]; conv != nil {
		conv.ShouldReset = true
	}
}

// ConsumeResetFlag reads and clears the reset flag in one step, so exactly
// one send observes it.
func (s *Store) ConsumeResetFlag(conversationID string) bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.conversations[strings.TrimSpace(conversationID)]
	if conv == nil || !conv.ShouldReset {
		return false
	}
	conv.ShouldReset = false
	return true
}

func (s *Store) AppendUserMessage(conversationID string, content string, images []ImageRef, files []FileAttachmentRef) (Message, error) {
	if s == nil {
		return Message{}, errors.New("nil store")
	}
	id, err := NewMessageID()
	if err != nil {
		return Message{}, err
	}
	msg := Message{
		ID:              id,
		Role:            RoleUser,
		Content:         content,
		Images:          append([]ImageRef(nil), images...),
		Files:           append([]FileAttachmentRef(nil), files...),
		CreatedAtUnixMs: time.Now().UnixMilli(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.conversations[strings.TrimSpace(conversationID)]
	if conv == nil {
		return Message{}, ErrConversationNotFound
	}
	conv.Messages = append(conv.Messages, msg)
	conv.UpdatedAtUnixMs = msg.CreatedAtUnixMs
	return msg, nil
}

// AppendAssistantDelta appends normalized delta text to the open assistant
// message, opening one first if none is open. It returns the assembled
// content of that message.
func (s *Store) AppendAssistantDelta(conversationID string, delta string) (string, error) {
	if s == nil {
		return "", errors.New("nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.conversations[strings.TrimSpace(conversationID)]
	if conv == nil {
		return "", ErrConversationNotFound
	}
	msg, err := conv.openAssistantLocked()
	if err != nil {
		return "", err
	}
	msg.Content = msg.delta.append(msg.Content, delta)
	conv.UpdatedAtUnixMs = time.Now().UnixMilli()
	return msg.Content, nil
}

// SetStepInfo attaches progress text to the open assistant message (opening
// one if needed) without touching its content.
func (s *Store) SetStepInfo(conversationID string, info string) error {
	if s == nil {
		return errors.New("nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.conversations[strings.TrimSpace(conversationID)]
	if conv == nil {
		return ErrConversationNotFound
	}
	msg, err := conv.openAssistantLocked()
	if err != nil {
		return err
	}
	msg.StepInfo = info
	return nil
}

// CloseAssistantMessage closes the open assistant message; subsequent deltas
// open a fresh one.
func (s *Store) CloseAssistantMessage(conversationID string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.conversations[strings.TrimSpace(conversationID)]
	if conv == nil {
		return
	}
	if n := len(conv.Messages); n > 0 {
		conv.Messages[n-1].open = false
	}
}

// RemoveOpenAssistantIfEmpty drops the open assistant message when no
// content ever arrived, so a stopped turn does not leave an empty bubble.
// It reports whether a message was removed.
func (s *Store) RemoveOpenAssistantIfEmpty(conversationID string) bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.conversations[strings.TrimSpace(conversationID)]
	if conv == nil {
		return false
	}
	n := len(conv.Messages)
	if n == 0 {
		return false
	}
	last := &conv.Messages[n-1]
	if !last.open || last.Role != RoleAssistant {
		return false
	}
	last.open = false
	if last.Content != "" {
		return false
	}
	conv.Messages = conv.Messages[:n-1]
	return true
}

// ReplaceUserImages swaps the placeholder previews on the most recent user
// message for the finalized versions pushed by the remote side.
func (s *Store) ReplaceUserImages(conversationID string, images []ImageRef) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.conversations[strings.TrimSpace(conversationID)]
	if conv == nil {
		return
	}
	for i := len(conv.Messages) - 1; i >= 0; i-- {
		if conv.Messages[i].Role != RoleUser {
			continue
		}
		if len(conv.Messages[i].Images) == 0 {
			return
		}
		conv.Messages[i].Images = append([]ImageRef(nil), images...)
		return
	}
}

// SetStreaming marks conversationID as the one actively streaming.
func (s *Store) SetStreaming(conversationID string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streamingID = strings.TrimSpace(conversationID)
}

// ClearStreaming clears the flag only when conversationID is still the
// streaming one, so a stale turn cannot clear a newer turn's flag.
func (s *Store) ClearStreaming(conversationID string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streamingID == strings.TrimSpace(conversationID) {
		s.streamingID = ""
	}
}

// IsStreaming reports whether conversationID is the actively streaming
// conversation.
func (s *Store) IsStreaming(conversationID string) bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := strings.TrimSpace(conversationID)
	return id != "" && s.streamingID == id
}

func (s *Store) StreamingConversationID() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamingID
}

// openAssistantLocked returns the open assistant message, appending a new
// one when none is open. The open message is always the last element.
func (c *Conversation) openAssistantLocked() (*Message, error) {
	if n := len(c.Messages); n > 0 && c.Messages[n-1].open {
		return &c.Messages[n-1], nil
	}
	id, err := NewMessageID()
	if err != nil {
		return nil, err
	}
	c.Messages = append(c.Messages, Message{
		ID:              id,
		Role:            RoleAssistant,
		CreatedAtUnixMs: time.Now().UnixMilli(),
		open:            true,
	})
	return &c.Messages[len(c.Messages)-1], nil
}

func cloneConversation(conv *Conversation) Conversation {
	out := *conv
	out.Messages = make([]Message, len(conv.Messages))
	copy(out.Messages, conv.Messages)
	for i := range out.Messages {
		out.Messages[i].Images = append([]ImageRef(nil), out.Messages[i].Images...)
		out.Messages[i].Files = append([]FileAttachmentRef(nil), out.Messages[i].Files...)
	}
	return out
}
