package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/example/campus-messaging/domain/message"
)

// StatusError is a non-2xx response from the messaging API.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api returned %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api returned %d", e.StatusCode)
}

// Temporary reports whether retrying the request may succeed.
func (e *StatusError) Temporary() bool {
	switch {
	case e.StatusCode >= 500:
		return true
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	}
	return false
}

// Cursor is the (CreatedAt, ID) of the newest message seen. The id keeps
// paging exact when several messages share a timestamp.
type Cursor struct {
	Since time.Time
	ID    string
}

// IsZero reports whether nothing has been seen yet.
func (c Cursor) IsZero() bool {
	return c.Since.IsZero()
}

// Advance returns the cursor moved to msg if msg sorts after it.
func (c Cursor) Advance(msg message.Message) Cursor {
	if msg.CreatedAt.After(c.Since) || (msg.CreatedAt.Equal(c.Since) && msg.ID > c.ID) {
		return Cursor{Since: msg.CreatedAt, ID: msg.ID}
	}
	return c
}

// Fetcher fetches messages after a cursor.
type Fetcher interface {
	Fetch(ctx context.Context, cursor Cursor, limit int) ([]message.Message, error)
}

// Sender sends one message over request/response.
type Sender interface {
	Send(ctx context.Context, pending message.PendingMessage) (*message.Message, error)
}

// HTTPClient talks to the polling endpoints with a bearer token.
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
}

var _ Fetcher = (*HTTPClient)(nil)
var _ Sender = (*HTTPClient)(nil)

// NewHTTPClient creates an HTTPClient. A nil hc uses a client with a 15s
// timeout.
func NewHTTPClient(baseURL, token string, hc *http.Client) *HTTPClient {
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    hc,
	}
}

type fetchResponse struct {
	Messages    []message.Message `json:"messages"`
	NextSince   time.Time         `json:"next_since"`
	NextSinceID string            `json:"next_since_id"`
}

type sendRequest struct {
	ReceiverID     string       `json:"receiver_id"`
	ConversationID string       `json:"conversation_id,omitempty"`
	Body           string       `json:"body"`
	Kind           message.Kind `json:"kind,omitempty"`
	ClientID       string       `json:"client_id,omitempty"`
}

type sendResponse struct {
	Message  message.Message `json:"message"`
	ClientID string          `json:"client_id"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Fetch returns messages for the caller after cursor, oldest first.
func (c *HTTPClient) Fetch(ctx context.Context, cursor Cursor, limit int) ([]message.Message, error) {
	query := url.Values{}
	if !cursor.IsZero() {
		query.Set("since", cursor.Since.UTC().Format(time.RFC3339Nano))
		if cursor.ID != "" {
			query.Set("since_id", cursor.ID)
		}
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}

	var resp fetchResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/messages?"+query.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// Send posts a pending message and returns the stored copy.
func (c *HTTPClient) Send(ctx context.Context, pending message.PendingMessage) (*message.Message, error) {
	req := sendRequest{
		ReceiverID:     pending.ReceiverID,
		ConversationID: pending.ConversationID,
		Body:           pending.Body,
		Kind:           pending.Kind,
		ClientID:       pending.ClientID,
	}
	var resp sendResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/messages", req, &resp); err != nil {
		return nil, err
	}
	return &resp.Message, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := &StatusError{StatusCode: resp.StatusCode}
		var errResp errorResponse
		if json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&errResp) == nil {
			statusErr.Code = errResp.Error
			statusErr.Message = errResp.Message
		}
		return statusErr
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
