// Package ronapi talks to the remote Ron HTTP API: the plain chat endpoint
// and its server-sent-events streaming variant.
package ronapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/rontubot/rondesk/internal/directive"
)

const (
	pathChat   = "/ron"
	pathStream = "/ron/stream"

	// SourceDesktop identifies this client to the API.
	SourceDesktop = "desktop"
)

// textKeys is the precedence for extracting reply text from a JSON body.
var textKeys = []string{"user_response", "ron", "reply", "text", "message"}

// APIError is a non-2xx response from the remote API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api returned HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("api returned HTTP %d: %s", e.StatusCode, e.Message)
}

// ChatRequest is the body of a chat call.
type ChatRequest struct {
	Text       string `json:"text"`
	Message    string `json:"message"`
	Username   string `json:"username"`
	ReturnJSON bool   `json:"return_json"`
	Source     string `json:"source"`
}

// NewChatRequest fills in the fields every chat call carries.
func NewChatRequest(text, username string) ChatRequest {
	if username == "" {
		username = "default"
	}
	return ChatRequest{
		Text:       text,
		Message:    text,
		Username:   username,
		ReturnJSON: true,
		Source:     SourceDesktop,
	}
}

// Reply is a decoded non-streaming chat response.
type Reply struct {
	Text     string
	Commands []directive.Directive
	Shutdown bool
}

// Client is an HTTP client for one API base URL.
type Client struct {
	base   string
	token  string
	http   *http.Client
	logger *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// New creates a client for base, which must already be normalized.
func New(base string, opts ...Option) *Client {
	c := &Client{
		base:   strings.TrimRight(base, "/"),
		http:   &http.Client{Timeout: 60 * time.Second},
		logger: slog.With("component", "ronapi"),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Base returns the API base URL.
func (c *Client) Base() string {
	return c.base
}

func (c *Client) newRequest(ctx context.Context, path string, body any) (*http.Request, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	return c.request(ctx, http.MethodPost, path, bytes.NewReader(data))
}

func (c *Client) request(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// Response is the raw result of a passthrough call.
type Response struct {
	Status int
	Body   []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status <= 299
}

// Do sends an arbitrary request to the API with the client's auth. A nil
// body sends none. headers are applied last and may override the defaults.
// Any HTTP status is a valid Response; only transport failures are errors.
func (c *Client) Do(ctx context.Context, method, path string, headers map[string]string, body json.RawMessage) (*Response, error) {
	if method == "" {
		method = http.MethodGet
	}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := c.request(ctx, strings.ToUpper(method), path, rd)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s response: %w", path, err)
	}
	return &Response{Status: resp.StatusCode, Body: raw}, nil
}

// Chat posts to the plain chat endpoint and decodes the reply.
func (c *Client) Chat(ctx context.Context, cr ChatRequest) (*Reply, error) {
	req, err := c.newRequest(ctx, pathChat, cr)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("posting chat: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading chat reply: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, newAPIError(resp.StatusCode, raw)
	}
	return DecodeReply(raw), nil
}

type replyBody struct {
	Commands []directive.Directive `json:"commands"`
	Shutdown bool                  `json:"shutdown"`
}

// DecodeReply interprets a chat response body. A body that is not a JSON
// object is taken as the reply text itself.
func DecodeReply(raw []byte) *Reply {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return &Reply{Text: s}
		}
		return &Reply{Text: strings.TrimSpace(string(raw))}
	}

	r := &Reply{Text: ReplyText(fields)}
	var body replyBody
	if err := json.Unmarshal(raw, &body); err == nil {
		r.Commands = body.Commands
		r.Shutdown = body.Shutdown
	}
	return r
}

// ReplyText picks the reply text from a decoded body: the first non-empty
// string among user_response, ron, reply, text and message.
func ReplyText(fields map[string]any) string {
	for _, k := range textKeys {
		if s, ok := fields[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func newAPIError(status int, raw []byte) *APIError {
	e := &APIError{StatusCode: status}
	var fields map[string]any
	if json.Unmarshal(raw, &fields) == nil {
		for _, k := range []string{"detail", "error", "message"} {
			if s, ok := fields[k].(string); ok && s != "" {
				e.Message = s
				return e
			}
		}
	}
	e.Message = strings.TrimSpace(string(raw))
	return e
}
