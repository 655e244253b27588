package chat

import (
	"testing"
)

func newTrackedStore(t *testing.T, id string) *Store {
	t.Helper()
	s := NewStore()
	if err := s.Track(Conversation{ID: id}); err != nil {
		t.Fatalf("Track: %v", err)
	}
	return s
}

func Test_Store_TrackAndConversation(t *testing.T) {
	t.Parallel()

	s := NewStore()
	if err := s.Track(Conversation{ID: "  "}); err == nil {
		t.Fatalf("Track with blank id should fail")
	}
	if err := s.Track(Conversation{ID: "chat_a", Title: "hello"}); err != nil {
		t.Fatalf("Track: %v", err)
	}

	conv, ok := s.Conversation("chat_a")
	if !ok {
		t.Fatalf("conversation not found")
	}
	if conv.Title != "hello" {
		t.Fatalf("title = %q, want %q", conv.Title, "hello")
	}
	if conv.CreatedAtUnixMs <= 0 || conv.UpdatedAtUnixMs <= 0 {
		t.Fatalf("timestamps not defaulted: %+v", conv)
	}

	if _, ok := s.Conversation("chat_missing"); ok {
		t.Fatalf("unexpected hit for unknown id")
	}
}

func Test_Store_ResetFlagConsumedOnce(t *testing.T) {
	t.Parallel()

	s := newTrackedStore(t, "chat_a")

	if s.ConsumeResetFlag("chat_a") {
		t.Fatalf("flag set without request")
	}

	s.RequestReset("chat_a")
	if !s.ConsumeResetFlag("chat_a") {
		t.Fatalf("first consume should observe the flag")
	}
	if s.ConsumeResetFlag("chat_a") {
		t.Fatalf("second consume should not observe the flag")
	}
}

func Test_Store_AppendAssistantDelta_opensSingleMessage(t *testing.T) {
	t.Parallel()

	s := newTrackedStore(t, "chat_a")

	if _, err := s.AppendUserMessage("chat_a", "hi", nil, nil); err != nil {
		t.Fatalf("AppendUserMessage: %v", err)
	}

	content, err := s.AppendAssistantDelta("chat_a", "hel")
	if err != nil {
		t.Fatalf("AppendAssistantDelta: %v", err)
	}
	if content != "hel" {
		t.Fatalf("content = %q, want %q", content, "hel")
	}
	content, err = s.AppendAssistantDelta("chat_a", "lo")
	if err != nil {
		t.Fatalf("AppendAssistantDelta: %v", err)
	}
	if content != "hello" {
		t.Fatalf("content = %q, want %q", content, "hello")
	}

	msgs := s.Messages("chat_a")
	if len(msgs) != 2 {
		t.Fatalf("len(messages) = %d, want 2", len(msgs))
	}
	last := msgs[len(msgs)-1]
	if last.Role != RoleAssistant || last.Content != "hello" {
		t.Fatalf("last message = %+v", last)
	}
	if !last.Open() {
		t.Fatalf("assistant message should still be open")
	}
}

func Test_Store_CloseAssistantMessage_nextDeltaOpensFresh(t *testing.T) {
	t.Parallel()

	s := newTrackedStore(t, "chat_a")

	if _, err := s.AppendAssistantDelta("chat_a", "first"); err != nil {
		t.Fatalf("AppendAssistantDelta: %v", err)
	}
	s.CloseAssistantMessage("chat_a")
	if _, err := s.AppendAssistantDelta("chat_a", "second"); err != nil {
		t.Fatalf("AppendAssistantDelta: %v", err)
	}

	msgs := s.Messages("chat_a")
	if len(msgs) != 2 {
		t.Fatalf("len(messages) = %d, want 2", len(msgs))
	}
	if msgs[0].Content != "first" || msgs[0].Open() {
		t.Fatalf("first message = %+v", msgs[0])
	}
	if msgs[1].Content != "second" || !msgs[1].Open() {
		t.Fatalf("second message = %+v", msgs[1])
	}
}

func Test_Store_SetStepInfo_keepsContent(t *testing.T) {
	t.Parallel()

	s := newTrackedStore(t, "chat_a")

	if err := s.SetStepInfo("chat_a", "searching"); err != nil {
		t.Fatalf("SetStepInfo: %v", err)
	}
	if _, err := s.AppendAssistantDelta("chat_a", "found it"); err != nil {
		t.Fatalf("AppendAssistantDelta: %v", err)
	}

	msgs := s.Messages("chat_a")
	if len(msgs) != 1 {
		t.Fatalf("len(messages) = %d, want 1", len(msgs))
	}
	if msgs[0].StepInfo != "searching" || msgs[0].Content != "found it" {
		t.Fatalf("message = %+v", msgs[0])
	}
}

func Test_Store_RemoveOpenAssistantIfEmpty(t *testing.T) {
	t.Parallel()

	s := newTrackedStore(t, "chat_a")

	// Only an open, empty assistant message is removed.
	if s.RemoveOpenAssistantIfEmpty("chat_a") {
		t.Fatalf("nothing to remove yet")
	}

	if err := s.SetStepInfo("chat_a", "thinking"); err != nil {
		t.Fatalf("SetStepInfo: %v", err)
	}
	if !s.RemoveOpenAssistantIfEmpty("chat_a") {
		t.Fatalf("empty open assistant should be removed")
	}
	if got := len(s.Messages("chat_a")); got != 0 {
		t.Fatalf("len(messages) = %d, want 0", got)
	}

	// With content it is kept, only closed.
	if _, err := s.AppendAssistantDelta("chat_a", "partial"); err != nil {
		t.Fatalf("AppendAssistantDelta: %v", err)
	}
	if s.RemoveOpenAssistantIfEmpty("chat_a") {
		t.Fatalf("non-empty assistant should not be removed")
	}
	msgs := s.Messages("chat_a")
	if len(msgs) != 1 || msgs[0].Content != "partial" || msgs[0].Open() {
		t.Fatalf("messages = %+v", msgs)
	}
}

func Test_Store_ReplaceUserImages_targetsMostRecentWithImages(t *testing.T) {
	t.Parallel()

	s := newTrackedStore(t, "chat_a")

	placeholder := []ImageRef{{Name: "a.png", Placeholder: true}}
	if _, err := s.AppendUserMessage("chat_a", "with image", placeholder, nil); err != nil {
		t.Fatalf("AppendUserMessage: %v", err)
	}
	if _, err := s.AppendAssistantDelta("chat_a", "ok"); err != nil {
		t.Fatalf("AppendAssistantDelta: %v", err)
	}

	final := []ImageRef{{Name: "a.png", MimeType: "image/png", DataBase64: "ZmluYWw"}}
	s.ReplaceUserImages("chat_a", final)

	msgs := s.Messages("chat_a")
	imgs := msgs[0].Images
	if len(imgs) != 1 || imgs[0].Placeholder || imgs[0].DataBase64 != "ZmluYWw" {
		t.Fatalf("images = %+v", imgs)
	}
}

func Test_Store_ReplaceUserImages_noopWithoutPlaceholders(t *testing.T) {
	t.Parallel()

	s := newTrackedStore(t, "chat_a")
	if _, err := s.AppendUserMessage("chat_a", "plain", nil, nil); err != nil {
		t.Fatalf("AppendUserMessage: %v", err)
	}
	s.ReplaceUserImages("chat_a", []ImageRef{{Name: "x.png"}})
	if got := s.Messages("chat_a")[0].Images; len(got) != 0 {
		t.Fatalf("images = %+v, want none", got)
	}
}

func Test_Store_streamingFlagByIdentity(t *testing.T) {
	t.Parallel()

	s := NewStore()
	_ = s.Track(Conversation{ID: "chat_a"})
	_ = s.Track(Conversation{ID: "chat_b"})

	s.SetStreaming("chat_a")
	if !s.IsStreaming("chat_a") {
		t.Fatalf("chat_a should be streaming")
	}
	if s.IsStreaming("chat_b") {
		t.Fatalf("chat_b should not be streaming")
	}

	// A stale turn cannot clear a newer turn's flag.
	s.SetStreaming("chat_b")
	s.ClearStreaming("chat_a")
	if !s.IsStreaming("chat_b") {
		t.Fatalf("chat_b flag cleared by stale id")
	}
	s.ClearStreaming("chat_b")
	if s.StreamingConversationID() != "" {
		t.Fatalf("streaming id = %q, want empty", s.StreamingConversationID())
	}
}

func Test_Store_Conversation_returnsCopy(t *testing.T) {
	t.Parallel()

	s := newTrackedStore(t, "chat_a")
	if _, err := s.AppendUserMessage("chat_a", "hello", nil, nil); err != nil {
		t.Fatalf("AppendUserMessage: %v", err)
	}

	conv, _ := s.Conversation("chat_a")
	conv.Messages[0].Content = "mutated"

	if got := s.Messages("chat_a")[0].Content; got != "hello" {
		t.Fatalf("store content = %q, want %q", got, "hello")
	}
}
