package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/suzent/suzent-client/internal/plan"
)

const (
	defaultCheckpointDelay = 1500 * time.Millisecond
	defaultStopReason      = "Stream stopped by user"
	defaultSaveOpTimeout   = 10 * time.Second
)

// Backend is the transport the session talks to. Implemented by the API
// client; injected so turns are testable against a fake.
type Backend interface {
	CreateConversation(ctx context.Context, title string, cfg SendConfig) (Conversation, error)
	OpenStream(ctx context.Context, req SendRequest) (EventStream, error)
	StopStream(ctx context.Context, conversationID string, reason string) error
}

// Uploader turns pending local files into remote file refs and inline image
// payloads with placeholder previews, before the user message is appended.
type Uploader interface {
	Process(ctx context.Context, paths []string) ([]FileAttachmentRef, []ImageRef, error)
}

// PlanSink receives live plan snapshots and refresh triggers.
type PlanSink interface {
	ApplySnapshot(snap plan.Snapshot)
	Refresh(ctx context.Context, conversationID string) error
}

// Saver persists a conversation durably; invoked by the delayed checkpoint.
type Saver interface {
	SaveConversation(ctx context.Context, conv Conversation) error
}

// MemoryRefresher re-fetches long-term memory state after a completed turn.
type MemoryRefresher interface {
	RefreshMemory(ctx context.Context, conversationID string) error
}

// Callbacks are invoked synchronously, in event arrival order, as the
// session demultiplexes the stream. Nil callbacks are skipped.
type Callbacks struct {
	OnDelta               func(conversationID string, content string)
	OnNewAssistantMessage func(conversationID string)
	OnStepInfo            func(conversationID string, info string)
	OnImagesProcessed     func(conversationID string)
	OnPlanSnapshot        func(conversationID string)
	OnComplete            func(conversationID string)
	OnStopped             func(conversationID string, reason string, removedEmpty bool)
	OnError               func(conversationID string, err error)
}

type SessionOptions struct {
	Store    *Store
	Backend  Backend
	Uploader Uploader
	Plans    PlanSink
	Saver    Saver
	Memory   MemoryRefresher

	Callbacks Callbacks
	Log       *slog.Logger

	// CheckpointDelay is how long after complete/stop/error the durability
	// checkpoint fires, letting trailing UI updates settle first.
	CheckpointDelay time.Duration
}

// Session owns the lifecycle of outgoing prompts for this client: it opens
// streams, demultiplexes events in strict arrival order, and is the only
// mutator of conversation message state.
type Session struct {
	log      *slog.Logger
	store    *Store
	backend  Backend
	uploader Uploader
	plans    PlanSink
	saver    Saver
	memory   MemoryRefresher
	cb       Callbacks

	checkpointDelay time.Duration

	mu           sync.Mutex
	activeConvID string
	stopInFlight bool
	checkpoint   *time.Timer
}

func NewSession(opts SessionOptions) (*Session, error) {
	if opts.Store == nil {
		return nil, errors.New("missing store")
	}
	if opts.Backend == nil {
		return nil, errors.New("missing backend")
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	delay := opts.CheckpointDelay
	if delay <= 0 {
		delay = defaultCheckpointDelay
	}
	return &Session{
		log:             log,
		store:           opts.Store,
		backend:         opts.Backend,
		uploader:        opts.Uploader,
		plans:           opts.Plans,
		saver:           opts.Saver,
		memory:          opts.Memory,
		cb:              opts.Callbacks,
		checkpointDelay: delay,
	}, nil
}

// ActiveConversationID reports which conversation, if any, this session is
// currently streaming for.
func (s *Session) ActiveConversationID() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeConvID
}

// Send runs one turn: preflight (reset capture, conversation creation,
// attachment upload), user message append, stream open, and in-order event
// demux until the transport terminates. It returns the conversation id,
// which may have been newly created.
//
// At most one send is in flight at a time; callers run it on a background
// goroutine and observe progress through the callbacks.
func (s *Session) Send(ctx context.Context, conversationID string, prompt string, attachmentPaths []string, cfg SendConfig) (string, error) {
	if s == nil {
		return "", errors.New("nil session")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", errors.New("empty prompt")
	}
	conversationID = strings.TrimSpace(conversationID)

	s.mu.Lock()
	if s.activeConvID != "" {
		s.mu.Unlock()
		return conversationID, ErrSendInFlight
	}
	s.activeConvID = "(preflight)"
	s.mu.Unlock()

	convID, err := s.runTurn(ctx, conversationID, prompt, attachmentPaths, cfg)

	s.mu.Lock()
	s.activeConvID = ""
	s.mu.Unlock()

	return convID, err
}

func (s *Session) runTurn(ctx context.Context, conversationID string, prompt string, attachmentPaths []string, cfg SendConfig) (string, error) {
	// The reset flag is consumed exactly once, synchronously, before the
	// request is issued; a creation that follows starts fresh anyway.
	reset := s.store.ConsumeResetFlag(conversationID)

	if conversationID == "" {
		conv, err := s.backend.CreateConversation(ctx, titleFromPrompt(prompt), cfg)
		if err != nil {
			return "", s.preflight(conversationID, fmt.Errorf("create conversation: %w", err))
		}
		conversationID = strings.TrimSpace(conv.ID)
		if conversationID == "" {
			return "", s.preflight(conversationID, errors.New("create conversation: empty id"))
		}
		if err := s.store.Track(conv); err != nil {
			return "", s.preflight(conversationID, err)
		}
	} else if _, ok := s.store.Conversation(conversationID); !ok {
		if err := s.store.Track(Conversation{ID: conversationID, Title: titleFromPrompt(prompt), Config: cfg}); err != nil {
			return conversationID, s.preflight(conversationID, err)
		}
	}

	// Uploads happen before anything is appended so the user message carries
	// final, non-placeholder file metadata from the start.
	var files []FileAttachmentRef
	var images []ImageRef
	if len(attachmentPaths) > 0 {
		if s.uploader == nil {
			return conversationID, s.preflight(conversationID, errors.New("no uploader configured"))
		}
		var err error
		files, images, err = s.uploader.Process(ctx, attachmentPaths)
		if err != nil {
			return conversationID, s.preflight(conversationID, fmt.Errorf("upload attachments: %w", err))
		}
	}

	if _, err := s.store.AppendUserMessage(conversationID, prompt, images, files); err != nil {
		return conversationID, s.preflight(conversationID, err)
	}

	s.mu.Lock()
	s.activeConvID = conversationID
	s.mu.Unlock()
	s.store.SetStreaming(conversationID)

	stream, err := s.backend.OpenStream(ctx, SendRequest{
		ConversationID: conversationID,
		Message:        prompt,
		Reset:          reset,
		Config:         cfg,
		Images:         images,
		Files:          files,
	})
	if err != nil {
		return conversationID, s.streamFailure(conversationID, err)
	}
	defer func() { _ = stream.Close() }()

	return conversationID, s.consume(ctx, conversationID, stream)
}

// consume processes stream events strictly in arrival order; no reordering
// and no coalescing across event kinds. State converges to "not streaming"
// exactly once, on the first terminal event (or transport error).
func (s *Session) consume(ctx context.Context, conversationID string, stream EventStream) error {
	terminal := false
	for {
		ev, err := stream.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if !terminal {
					// The transport closed without a terminal event; treat it
					// as completion so the flag cannot stick.
					s.finishComplete(ctx, conversationID)
				}
				return nil
			}
			if terminal {
				// Trailing transport noise after a terminal event.
				s.log.Debug("stream error after terminal event", "conversation_id", conversationID, "err", err)
				return nil
			}
			return s.streamFailure(conversationID, err)
		}

		switch ev.Kind {
		case EventDelta:
			content, err := s.store.AppendAssistantDelta(conversationID, ev.Delta)
			if err != nil {
				s.log.Warn("append delta", "conversation_id", conversationID, "err", err)
				continue
			}
			if s.cb.OnDelta != nil {
				s.cb.OnDelta(conversationID, content)
			}

		case EventNewMessage:
			s.store.CloseAssistantMessage(conversationID)
			if s.cb.OnNewAssistantMessage != nil {
				s.cb.OnNewAssistantMessage(conversationID)
			}

		case EventStepInfo:
			if err := s.store.SetStepInfo(conversationID, ev.StepInfo); err != nil {
				s.log.Warn("set step info", "conversation_id", conversationID, "err", err)
				continue
			}
			if s.cb.OnStepInfo != nil {
				s.cb.OnStepInfo(conversationID, ev.StepInfo)
			}

		case EventImagesProcessed:
			s.store.ReplaceUserImages(conversationID, ev.Images)
			if s.cb.OnImagesProcessed != nil {
				s.cb.OnImagesProcessed(conversationID)
			}

		case EventPlanSnapshot:
			if s.plans != nil {
				s.plans.ApplySnapshot(ev.Plan)
				if err := s.plans.Refresh(ctx, conversationID); err != nil {
					s.log.Warn("plan refresh after snapshot", "conversation_id", conversationID, "err", err)
				}
			}
			if s.cb.OnPlanSnapshot != nil {
				s.cb.OnPlanSnapshot(conversationID)
			}

		case EventComplete:
			if terminal {
				continue
			}
			terminal = true
			s.finishComplete(ctx, conversationID)

		case EventStopped:
			if terminal {
				continue
			}
			terminal = true
			// Removal must see the message still open; close afterwards.
			removed := s.store.RemoveOpenAssistantIfEmpty(conversationID)
			s.store.CloseAssistantMessage(conversationID)
			s.store.ClearStreaming(conversationID)
			s.scheduleCheckpoint(conversationID)
			if s.cb.OnStopped != nil {
				s.cb.OnStopped(conversationID, ev.Reason, removed)
			}

		default:
			s.log.Debug("unknown stream event kind", "kind", string(ev.Kind))
		}
	}
}

func (s *Session) finishComplete(ctx context.Context, conversationID string) {
	s.store.CloseAssistantMessage(conversationID)
	s.store.ClearStreaming(conversationID)
	s.scheduleCheckpoint(conversationID)
	s.refreshMemory(conversationID)
	if s.cb.OnComplete != nil {
		s.cb.OnComplete(conversationID)
	}
}

// Stop requests the active stream to stop, out of band. It is idempotent:
// while one stop request is in flight, further calls are no-ops. A rejected
// stop releases the guard for retry but leaves the streaming flag untouched;
// only a real stopped/complete/error converges the state.
func (s *Session) Stop(ctx context.Context) error {
	if s == nil {
		return errors.New("nil session")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	conversationID := s.activeConvID
	if conversationID == "" || conversationID == "(preflight)" || s.stopInFlight {
		s.mu.Unlock()
		return nil
	}
	s.stopInFlight = true
	s.mu.Unlock()

	err := s.backend.StopStream(ctx, conversationID, defaultStopReason)

	s.mu.Lock()
	s.stopInFlight = false
	s.mu.Unlock()

	if err != nil {
		err = fmt.Errorf("%w: %v", ErrStop, err)
		if s.cb.OnError != nil {
			s.cb.OnError(conversationID, err)
		}
		return err
	}
	return nil
}

func (s *Session) preflight(conversationID string, err error) error {
	wrapped := fmt.Errorf("%w: %v", ErrPreflight, err)
	if s.cb.OnError != nil {
		s.cb.OnError(conversationID, wrapped)
	}
	return wrapped
}

func (s *Session) streamFailure(conversationID string, err error) error {
	// Partial assistant content is kept as-is; it reflects genuinely
	// received data.
	s.store.CloseAssistantMessage(conversationID)
	s.store.ClearStreaming(conversationID)
	s.scheduleCheckpoint(conversationID)
	wrapped := fmt.Errorf("%w: %v", ErrStream, err)
	if s.cb.OnError != nil {
		s.cb.OnError(conversationID, wrapped)
	}
	return wrapped
}

// scheduleCheckpoint arms the delayed force-save for the conversation,
// replacing any previously armed one.
func (s *Session) scheduleCheckpoint(conversationID string) {
	if s.saver == nil {
		return
	}
	s.mu.Lock()
	if s.checkpoint != nil {
		s.checkpoint.Stop()
	}
	s.checkpoint = time.AfterFunc(s.checkpointDelay, func() {
		conv, ok := s.store.Conversation(conversationID)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), defaultSaveOpTimeout)
		defer cancel()
		if err := s.saver.SaveConversation(ctx, conv); err != nil {
			s.log.Warn("checkpoint save failed", "conversation_id", conversationID, "err", err)
		}
	})
	s.mu.Unlock()
}

func (s *Session) refreshMemory(conversationID string) {
	if s.memory == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), defaultSaveOpTimeout)
		defer cancel()
		if err := s.memory.RefreshMemory(ctx, conversationID); err != nil {
			s.log.Debug("memory refresh failed", "conversation_id", conversationID, "err", err)
		}
	}()
}

func titleFromPrompt(prompt string) string {
	prompt = strings.TrimSpace(prompt)
	if i := strings.IndexByte(prompt, '\n'); i >= 0 {
		prompt = strings.TrimSpace(prompt[:i])
	}
	runes := []rune(prompt)
	if len(runes) > 48 {
		return string(runes[:48]) + "…"
	}
	if prompt == "" {
		return "New Chat"
	}
	return prompt
}
