package ronapi

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/rontubot/rondesk/internal/directive"
)

// Stream event types.
const (
	EventProgress = "progress"
	EventChunk    = "chunk"
	EventError    = "error"
	EventDone     = "done"
)

const maxEventSize = 1 << 20

// StreamEvent is one decoded "data:" line of the streaming endpoint.
type StreamEvent struct {
	Type     string                `json:"type"`
	Chunk    string                `json:"chunk,omitempty"`
	Text     string                `json:"text,omitempty"`
	Content  string                `json:"content,omitempty"`
	FullText string                `json:"full_text,omitempty"`
	Commands []directive.Directive `json:"commands,omitempty"`
	Error    string                `json:"error,omitempty"`
	Message  string                `json:"message,omitempty"`
	Shutdown bool                  `json:"shutdown,omitempty"`
}

// Delta returns the incremental text carried by a progress or chunk event.
func (e StreamEvent) Delta() string {
	switch {
	case e.Chunk != "":
		return e.Chunk
	case e.Text != "":
		return e.Text
	}
	return e.Content
}

// ErrorMessage returns the message of an error event.
func (e StreamEvent) ErrorMessage() string {
	switch {
	case e.Error != "":
		return e.Error
	case e.Message != "":
		return e.Message
	}
	return "stream error"
}

// Stream posts to the streaming endpoint and calls fn for every event in
// the order received. Malformed events are skipped. An error returned by fn
// stops the stream and is returned.
func (c *Client) Stream(ctx context.Context, cr ChatRequest, fn func(StreamEvent) error) error {
	req, err := c.newRequest(ctx, pathStream, cr)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	// The stream lives as long as the reply; only ctx bounds it.
	hc := *c.http
	hc.Timeout = 0

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("opening stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return newAPIError(resp.StatusCode, raw)
	}

	return c.readEvents(resp.Body, fn)
}

func (c *Client) readEvents(r io.Reader, fn func(StreamEvent) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventSize)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			// Blank separators, comments and event: lines.
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}

		var ev StreamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			c.logger.Warn("skipping malformed stream event", "error", err)
			continue
		}
		if ev.Type == "" {
			c.logger.Warn("skipping stream event without type")
			continue
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading stream: %w", err)
	}
	return nil
}
