// Package chainpilot is a Go client for the ChainPilot chat API.
//
// Turns and resumes are delivered as Server-Sent Events; Stream.Events
// decodes them lazily and stops at the [DONE] sentinel.
package chainpilot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"

	"ChainPilot/internal/chat"
	"ChainPilot/internal/sse"
)

// DefaultHTTPTimeout applies to non-streaming calls made by clients created
// without a custom http.Client. Streaming calls are bounded by their context.
const DefaultHTTPTimeout = 15 * time.Second

// ErrNothingToResume is returned by Resume when the chat has no live or
// recent generation.
var ErrNothingToResume = errors.New("chainpilot: nothing to resume")

type (
	// Message is a chat message made of ordered parts.
	Message = chat.Message
	// Event is one UI stream event.
	Event = chat.Event
)

// Turn describes a chat turn. Set Message for a new user message, or
// Messages to continue after an approval round trip.
type Turn struct {
	ChatID     string            `json:"id"`
	Model      string            `json:"selectedChatModel"`
	Visibility string            `json:"selectedVisibilityType,omitempty"`
	Message    *Message          `json:"message,omitempty"`
	Messages   []Message         `json:"messages,omitempty"`
	Context    map[string]string `json:"context,omitempty"`
}

// Decision answers a tool approval request.
type Decision struct {
	ApprovalID string `json:"approvalId"`
	Approved   bool   `json:"approved"`
	Reason     string `json:"reason,omitempty"`
	FollowUp   bool   `json:"followUp"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("chainpilot api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("chainpilot api error (%d): %s", e.StatusCode, e.Message)
}

// Client wraps the HTTP interactions with the ChainPilot API.
type Client struct {
	baseURL      *url.URL
	httpClient   *http.Client
	streamClient *http.Client

	mu       sync.RWMutex
	userID   string
	userType string
}

// NewClient instantiates a client. When httpClient is nil, a default client
// with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	streamClient := &http.Client{
		Transport:     httpClient.Transport,
		CheckRedirect: httpClient.CheckRedirect,
		Jar:           httpClient.Jar,
	}
	return &Client{baseURL: parsed, httpClient: httpClient, streamClient: streamClient}, nil
}

// SetIdentity sets the user headers a trusted gateway would normally inject.
func (c *Client) SetIdentity(userID, userType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
	c.userType = userType
}

// SubmitTurn starts a turn and returns its event stream.
func (c *Client) SubmitTurn(ctx context.Context, turn Turn) (*Stream, error) {
	body, err := json.Marshal(turn)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/chat", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.openStream(ctx, req)
}

// Resume reattaches to the latest generation of a chat. It returns
// ErrNothingToResume when the server has nothing to replay.
func (c *Client) Resume(ctx context.Context, chatID string) (*Stream, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/chat/"+url.PathEscape(chatID)+"/stream", nil)
	if err != nil {
		return nil, err
	}
	return c.openStream(ctx, req)
}

// RespondApproval delivers an approval decision.
func (c *Client) RespondApproval(ctx context.Context, decision Decision) error {
	body, err := json.Marshal(decision)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/chat/approvals", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, nil)
}

// Messages returns the persisted history of a chat.
func (c *Client) Messages(ctx context.Context, chatID string) ([]Message, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/chat/"+url.PathEscape(chatID)+"/messages", nil)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Messages []Message `json:"messages"`
	}
	if err := c.do(req, &payload); err != nil {
		return nil, err
	}
	return payload.Messages, nil
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.mu.RLock()
	userID, userType := c.userID, c.userType
	c.mu.RUnlock()
	if userID == "" {
		return nil, errors.New("chainpilot: identity is not set")
	}
	req.Header.Set("X-User-ID", userID)
	if userType != "" {
		req.Header.Set("X-User-Type", userType)
	}
	return req, nil
}

func (c *Client) openStream(ctx context.Context, req *http.Request) (*Stream, error) {
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("perform request: %w", err)
	}
	if resp.StatusCode == http.StatusNoContent {
		resp.Body.Close()
		return nil, ErrNothingToResume
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, decodeAPIError(resp)
	}
	return &Stream{ID: resp.Header.Get("X-Stream-ID"), ctx: ctx, body: resp.Body}, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read error response: %w", err)
	}
	if len(data) > 0 {
		_ = json.Unmarshal(data, apiErr)
	}
	if apiErr.Message == "" {
		apiErr.Message = string(bytes.TrimSpace(data))
	}
	return apiErr
}

// Stream is an open event stream.
type Stream struct {
	// ID is the server side stream identifier, empty for catch-up replies.
	ID string

	ctx  context.Context
	body io.ReadCloser
}

// Events yields decoded events in order until [DONE], the end of the body
// or an error. Breaking out of the loop leaves the stream open; call Close.
func (s *Stream) Events() iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		for frame, err := range sse.Frames(s.ctx, sse.NewReaderSource(s.body, 0)) {
			if err != nil {
				yield(Event{}, err)
				return
			}
			if frame.IsDone() {
				return
			}
			var event Event
			if err := frame.Decode(&event); err != nil {
				if !yield(Event{}, fmt.Errorf("decode frame: %w", err)) {
					return
				}
				continue
			}
			if !yield(event, nil) {
				return
			}
		}
	}
}

// Close releases the connection. The generation keeps running server side.
func (s *Stream) Close() error {
	return s.body.Close()
}
