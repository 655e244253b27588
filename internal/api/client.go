// Package api is the HTTP client for the Suzent backend: conversation CRUD,
// the incremental chat stream, the out-of-band stop endpoint, the plan list,
// file uploads, and core memory. Wire shapes follow the backend's routes.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/suzent/suzent-client/internal/chat"
	"github.com/suzent/suzent-client/internal/plan"
)

const (
	defaultRequestTimeout = 15 * time.Second
	maxBodyBytes          = 8 << 20 // 8 MiB (defensive)
)

// ErrNoActiveStream is returned by StopStream when the backend reports no
// stream is active for the conversation.
var ErrNoActiveStream = errors.New("no active stream")

type Client struct {
	baseURL string
	log     *slog.Logger

	// httpc serves bounded request/response calls; streamc has no client
	// timeout because streams live for the whole turn.
	httpc   *http.Client
	streamc *http.Client
}

func NewClient(baseURL string, log *slog.Logger) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("missing server base url")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid server base url: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		log:     log,
		httpc:   &http.Client{Timeout: defaultRequestTimeout},
		streamc: &http.Client{},
	}, nil
}

// conversationView is the backend chat row (chats table: id, title, config,
// messages, created_at, updated_at).
type conversationView struct {
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	Config    chat.SendConfig `json:"config"`
	Messages  []chat.Message  `json:"messages"`
	CreatedAt string          `json:"created_at"`
	UpdatedAt string          `json:"updated_at"`
}

func (v conversationView) toConversation() chat.Conversation {
	return chat.Conversation{
		ID:       strings.TrimSpace(v.ID),
		Title:    strings.TrimSpace(v.Title),
		Config:   v.Config,
		Messages: v.Messages,
	}
}

func (c *Client) CreateConversation(ctx context.Context, title string, cfg chat.SendConfig) (chat.Conversation, error) {
	if c == nil {
		return chat.Conversation{}, errors.New("nil client")
	}
	body := map[string]any{
		"title":    strings.TrimSpace(title),
		"config":   cfg,
		"messages": []chat.Message{},
	}
	var view conversationView
	if err := c.doJSON(ctx, http.MethodPost, "/chats", body, &view); err != nil {
		return chat.Conversation{}, err
	}
	if strings.TrimSpace(view.ID) == "" {
		return chat.Conversation{}, errors.New("backend returned conversation without id")
	}
	return view.toConversation(), nil
}

// SaveConversation pushes the full conversation state (title, config,
// messages) to the backend. This is the durability checkpoint target.
func (c *Client) SaveConversation(ctx context.Context, conv chat.Conversation) error {
	if c == nil {
		return errors.New("nil client")
	}
	id := strings.TrimSpace(conv.ID)
	if id == "" {
		return errors.New("missing conversation id")
	}
	body := map[string]any{
		"title":    conv.Title,
		"config":   conv.Config,
		"messages": conv.Messages,
	}
	return c.doJSON(ctx, http.MethodPut, "/chats/"+url.PathEscape(id), body, nil)
}

func (c *Client) GetConversation(ctx context.Context, conversationID string) (chat.Conversation, error) {
	if c == nil {
		return chat.Conversation{}, errors.New("nil client")
	}
	id := strings.TrimSpace(conversationID)
	if id == "" {
		return chat.Conversation{}, errors.New("missing conversation id")
	}
	var view conversationView
	if err := c.doJSON(ctx, http.MethodGet, "/chats/"+url.PathEscape(id), nil, &view); err != nil {
		return chat.Conversation{}, err
	}
	return view.toConversation(), nil
}

type listChatsResponse struct {
	Chats []conversationView `json:"chats"`
	Total int                `json:"total"`
}

func (c *Client) ListConversations(ctx context.Context, limit int, offset int) ([]chat.Conversation, int, error) {
	if c == nil {
		return nil, 0, errors.New("nil client")
	}
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	path := "/chats?limit=" + strconv.Itoa(limit) + "&offset=" + strconv.Itoa(offset)
	var resp listChatsResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, 0, err
	}
	out := make([]chat.Conversation, 0, len(resp.Chats))
	for _, v := range resp.Chats {
		out = append(out, v.toConversation())
	}
	return out, resp.Total, nil
}

func (c *Client) DeleteConversation(ctx context.Context, conversationID string) error {
	if c == nil {
		return errors.New("nil client")
	}
	id := strings.TrimSpace(conversationID)
	if id == "" {
		return errors.New("missing conversation id")
	}
	return c.doJSON(ctx, http.MethodDelete, "/chats/"+url.PathEscape(id), nil, nil)
}

// StopStream asks the backend to stop the active stream for the
// conversation. Stopping is advisory: the local event loop still runs to
// whatever terminal event the transport delivers.
func (c *Client) StopStream(ctx context.Context, conversationID string, reason string) error {
	if c == nil {
		return errors.New("nil client")
	}
	id := strings.TrimSpace(conversationID)
	if id == "" {
		return errors.New("missing conversation id")
	}
	body := map[string]any{"chat_id": id, "reason": strings.TrimSpace(reason)}
	err := c.doJSON(ctx, http.MethodPost, "/chat/stop", body, nil)
	var se *StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %v", ErrNoActiveStream, err)
	}
	return err
}

// ListPlans fetches the persisted plan list for a conversation. The backend
// answers 400/404 while a conversation has no plan yet; those map to
// plan.ErrNoPlans so the reconciler shows an empty state, not an error.
func (c *Client) ListPlans(ctx context.Context, conversationID string) ([]plan.Plan, error) {
	if c == nil {
		return nil, errors.New("nil client")
	}
	id := strings.TrimSpace(conversationID)
	if id == "" {
		return nil, errors.New("missing conversation id")
	}
	var plans []plan.Plan
	err := c.doJSON(ctx, http.MethodGet, "/plans?chat_id="+url.QueryEscape(id), nil, &plans)
	var se *StatusError
	if errors.As(err, &se) && (se.StatusCode == http.StatusBadRequest || se.StatusCode == http.StatusNotFound) {
		return nil, fmt.Errorf("%w: status %d", plan.ErrNoPlans, se.StatusCode)
	}
	if err != nil {
		return nil, err
	}
	return plans, nil
}

// MemoryBlock is one core memory block (label + value) from the memory
// subsystem.
type MemoryBlock struct {
	Label           string `json:"label"`
	Value           string `json:"value"`
	UpdatedAtUnixMs int64  `json:"updated_at_unix_ms,omitempty"`
}

type coreMemoryResponse struct {
	Blocks []MemoryBlock `json:"blocks"`
}

func (c *Client) CoreMemory(ctx context.Context, conversationID string) ([]MemoryBlock, error) {
	if c == nil {
		return nil, errors.New("nil client")
	}
	path := "/memory/core"
	if id := strings.TrimSpace(conversationID); id != "" {
		path += "?chat_id=" + url.QueryEscape(id)
	}
	var resp coreMemoryResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Blocks, nil
}

// RefreshMemory implements the session's post-completion memory refresh
// hook; the fetched blocks are discarded here, the point is re-priming the
// backend-side cache and surfacing fetch failures in logs.
func (c *Client) RefreshMemory(ctx context.Context, conversationID string) error {
	_, err := c.CoreMemory(ctx, conversationID)
	return err
}

// UploadFile streams a local file to the backend and returns the stable
// remote reference (path + name) the core passes through unchanged.
func (c *Client) UploadFile(ctx context.Context, name string, mimeType string, r io.Reader) (chat.FileAttachmentRef, error) {
	if c == nil {
		return chat.FileAttachmentRef{}, errors.New("nil client")
	}
	if r == nil {
		return chat.FileAttachmentRef{}, errors.New("missing file reader")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = "upload"
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		return chat.FileAttachmentRef{}, err
	}
	if _, err := io.Copy(fw, r); err != nil {
		return chat.FileAttachmentRef{}, err
	}
	if err := mw.Close(); err != nil {
		return chat.FileAttachmentRef{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/files/upload", &buf)
	if err != nil {
		return chat.FileAttachmentRef{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if mimeType = strings.TrimSpace(mimeType); mimeType != "" {
		req.Header.Set("X-File-Mime-Type", mimeType)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return chat.FileAttachmentRef{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return chat.FileAttachmentRef{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return chat.FileAttachmentRef{}, newStatusError(resp.StatusCode, body)
	}

	var ref chat.FileAttachmentRef
	if err := json.Unmarshal(body, &ref); err != nil {
		return chat.FileAttachmentRef{}, errors.New("invalid upload response")
	}
	if strings.TrimSpace(ref.Path) == "" {
		return chat.FileAttachmentRef{}, errors.New("upload response missing path")
	}
	return ref, nil
}

// StatusError reports a non-2xx backend response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	msg := strings.TrimSpace(e.Body)
	if msg == "" {
		return fmt.Sprintf("backend returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("backend returned status %d: %s", e.StatusCode, msg)
}

func newStatusError(code int, body []byte) *StatusError {
	return &StatusError{StatusCode: code, Body: truncateForError(string(body))}
}

func truncateForError(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 300 {
		return s[:300]
	}
	return s
}

func (c *Client) doJSON(ctx context.Context, method string, path string, in any, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return newStatusError(resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("invalid backend response: %w", err)
	}
	return nil
}
