// Package eventbus provides the in-process publish/subscribe channel between the
// shell's core components and the UI boundary layer.
//
// Every subscription returns an unsubscribe function so that a UI client that
// disconnects cannot leak a listener.
package eventbus

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Topic identifies the kind of event carried on the bus.
type Topic string

const (
	TopicTaskUpdated    Topic = "task-updated"
	TopicProcessStatus  Topic = "process-status-changed"
	TopicProcessOutput  Topic = "process-output"
	TopicStreamChunk    Topic = "stream-chunk"
	TopicStreamDone     Topic = "stream-done"
	TopicStreamError    Topic = "stream-error"
	TopicCommandResults Topic = "command-results"
)

// subscriberBuffer is large enough that a UI reading at human speed never
// falls behind a burst of task progress or streamed chunks.
const subscriberBuffer = 512

// Event is a single bus message. Payload is topic-specific:
//
//	task-updated            tasks.Task or TaskDeleted
//	process-status-changed  StatusChange
//	process-output          OutputLine
//	stream-chunk            StreamChunk
//	stream-done             StreamDone
//	stream-error            StreamError
//	command-results         CommandResults
type Event struct {
	Topic   Topic `json:"type"`
	Payload any   `json:"payload"`
}

// TaskDeleted marks a task removal, distinct from a normal task update.
type TaskDeleted struct {
	ID      string `json:"id"`
	Deleted bool   `json:"deleted"`
}

// StatusChange reports a supervised-process lifecycle or listening change.
type StatusChange struct {
	State  string `json:"state"`
	Listen string `json:"listen"`
}

// OutputLine is one line of supervised-process standard output.
type OutputLine struct {
	Line string `json:"line"`
}

// StreamChunk is incremental reply text for one chat request.
type StreamChunk struct {
	RequestID string `json:"request_id"`
	Text      string `json:"text"`
}

// StreamDone closes a chat request successfully. Shutdown is set when the
// reply ends the user's session.
type StreamDone struct {
	RequestID string `json:"request_id"`
	Shutdown  bool   `json:"shutdown,omitempty"`
}

// StreamError closes a chat request with a user-visible message.
type StreamError struct {
	RequestID string `json:"request_id"`
	Message   string `json:"message"`
}

// CommandResult is the outcome of one forwarded directive.
type CommandResult struct {
	Action  string `json:"action"`
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// CommandResults is the single batch report for a chat request's directives.
type CommandResults struct {
	RequestID string          `json:"request_id"`
	Results   []CommandResult `json:"results"`
}

type subscriber struct {
	ch     chan Event
	topics map[Topic]bool
}

func (s *subscriber) wants(t Topic) bool {
	return len(s.topics) == 0 || s.topics[t]
}

// Bus fans events out to subscribers in publish order.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]*subscriber
	nextID      int
	closed      bool
	evicted     atomic.Int64
	logger      *slog.Logger
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subscribers: make(map[int]*subscriber),
		logger:      slog.With("component", "eventbus"),
	}
}

// Subscribe registers for the given topics (all topics when none are given).
// The returned unsubscribe function closes the channel and is safe to call
// more than once.
func (b *Bus) Subscribe(topics ...Topic) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	b.nextID++
	id := b.nextID
	sub := &subscriber{
		ch:     make(chan Event, subscriberBuffer),
		topics: make(map[Topic]bool, len(topics)),
	}
	for _, t := range topics {
		sub.topics[t] = true
	}
	b.subscribers[id] = sub

	return sub.ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subscribers[id]; ok {
			close(s.ch)
			delete(b.subscribers, id)
		}
	}
}

// Publish delivers an event to every interested subscriber without blocking.
// A subscriber whose buffer is full is evicted: its channel is closed so the
// reader knows its view is stale and must resubscribe and reload.
func (b *Bus) Publish(topic Topic, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	ev := Event{Topic: topic, Payload: payload}
	for id, s := range b.subscribers {
		if !s.wants(topic) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			close(s.ch)
			delete(b.subscribers, id)
			b.evicted.Add(1)
			b.logger.Warn("subscriber fell behind, evicted", "subscriber", id, "topic", topic)
		}
	}
}

// Evicted reports how many subscribers were closed for falling behind.
func (b *Bus) Evicted() int64 {
	return b.evicted.Load()
}

// SubscriberCount returns the current number of subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close shuts the bus down and closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subscribers {
		close(s.ch)
		delete(b.subscribers, id)
	}
}
