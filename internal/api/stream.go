package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/suzent/suzent-client/internal/chat"
	"github.com/suzent/suzent-client/internal/plan"
)

// The stream endpoint answers with server-sent events, one JSON envelope per
// frame: `data: {"type": "...", "data": ...}`.

const maxStreamLineBytes = 4 << 20

type wireEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type wireError struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

// OpenStream starts a turn and returns the event stream for it. The request
// body carries the prompt, the one-shot reset flag, the per-turn config, and
// any pre-uploaded attachments.
func (c *Client) OpenStream(ctx context.Context, req chat.SendRequest) (chat.EventStream, error) {
	if c == nil {
		return nil, errors.New("nil client")
	}
	if strings.TrimSpace(req.ConversationID) == "" {
		return nil, errors.New("missing conversation id")
	}
	b, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat", bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamc.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		resp.Body.Close()
		return nil, newStatusError(resp.StatusCode, raw)
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), maxStreamLineBytes)
	return &sseStream{body: resp.Body, scanner: sc}, nil
}

type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	closed  bool
}

// Next blocks for the next event. It returns io.EOF when the server closes
// the stream, and a plain error for transport failures or wire-level error
// events.
func (s *sseStream) Next() (chat.StreamEvent, error) {
	if s == nil || s.closed {
		return chat.StreamEvent{}, io.EOF
	}
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		payload, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		payload = strings.TrimSpace(payload)
		if payload == "" || payload == "[DONE]" {
			continue
		}
		ev, err := decodeWireEvent([]byte(payload))
		if err != nil {
			return chat.StreamEvent{}, err
		}
		if ev == nil {
			continue
		}
		return *ev, nil
	}
	if err := s.scanner.Err(); err != nil {
		return chat.StreamEvent{}, err
	}
	return chat.StreamEvent{}, io.EOF
}

func (s *sseStream) Close() error {
	if s == nil || s.closed {
		return nil
	}
	s.closed = true
	return s.body.Close()
}

// decodeWireEvent maps one wire envelope to a chat.StreamEvent. Unknown
// event types return (nil, nil) so new server-side events do not break old
// clients.
func decodeWireEvent(payload []byte) (*chat.StreamEvent, error) {
	var env wireEvent
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("invalid stream frame: %w", err)
	}
	switch env.Type {
	case "delta":
		var text string
		if err := json.Unmarshal(env.Data, &text); err != nil {
			return nil, fmt.Errorf("invalid delta frame: %w", err)
		}
		return &chat.StreamEvent{Kind: chat.EventDelta, Delta: text}, nil

	case "new_message":
		return &chat.StreamEvent{Kind: chat.EventNewMessage}, nil

	case "step_info":
		var info string
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &info); err != nil {
				return nil, fmt.Errorf("invalid step_info frame: %w", err)
			}
		}
		return &chat.StreamEvent{Kind: chat.EventStepInfo, StepInfo: info}, nil

	case "images_processed":
		var images []chat.ImageRef
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &images); err != nil {
				return nil, fmt.Errorf("invalid images_processed frame: %w", err)
			}
		}
		return &chat.StreamEvent{Kind: chat.EventImagesProcessed, Images: images}, nil

	case "plan_snapshot":
		var snap plan.Snapshot
		if len(env.Data) > 0 && !bytes.Equal(bytes.TrimSpace(env.Data), []byte("null")) {
			if err := json.Unmarshal(env.Data, &snap); err != nil {
				return nil, fmt.Errorf("invalid plan_snapshot frame: %w", err)
			}
		}
		return &chat.StreamEvent{Kind: chat.EventPlanSnapshot, Plan: snap}, nil

	case "complete":
		return &chat.StreamEvent{Kind: chat.EventComplete}, nil

	case "stopped":
		var reason string
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &reason); err != nil {
				// Some backends wrap the reason in an object.
				var obj struct {
					Reason string `json:"reason"`
				}
				if err2 := json.Unmarshal(env.Data, &obj); err2 != nil {
					return nil, fmt.Errorf("invalid stopped frame: %w", err)
				}
				reason = obj.Reason
			}
		}
		return &chat.StreamEvent{Kind: chat.EventStopped, Reason: reason}, nil

	case "error":
		var we wireError
		msg := ""
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &we); err == nil {
				msg = strings.TrimSpace(we.Message)
				if msg == "" {
					msg = strings.TrimSpace(we.Error)
				}
			} else {
				var s string
				if err := json.Unmarshal(env.Data, &s); err == nil {
					msg = strings.TrimSpace(s)
				}
			}
		}
		if msg == "" {
			msg = "stream error"
		}
		return nil, errors.New(msg)

	default:
		return nil, nil
	}
}
