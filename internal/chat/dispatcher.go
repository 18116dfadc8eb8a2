// Package chat turns a user message into exactly one coherent reply on the
// event bus. It prefers the remote streaming endpoint, falls back to the
// plain endpoint and then to the assistant's control socket, and routes any
// directives the reply carries.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/rontubot/rondesk/internal/audit"
	"github.com/rontubot/rondesk/internal/directive"
	"github.com/rontubot/rondesk/internal/eventbus"
	"github.com/rontubot/rondesk/internal/ronapi"
	"github.com/rontubot/rondesk/internal/tasks"
)

// State of one chat request.
type State string

const (
	StateIdle          State = "idle"
	StateAwaitingReply State = "awaiting-reply"
	StateFallback      State = "fallback"
	StateDelivered     State = "delivered"
	StateFailed        State = "failed"
)

// Path is the channel that delivered a reply.
type Path string

const (
	PathStream Path = "stream"
	PathChat   Path = "chat"
	PathSocket Path = "socket"
)

// User-visible failure messages.
const (
	MsgEmpty        = "Empty message"
	MsgUnreachable  = "Could not reach Ron. Try again."
	MsgUnauthorized = "Your session has expired. Sign in again."
	MsgInterrupted  = "The reply was interrupted. Try again."
	MsgShuttingDown = "shutting down"
)

// Session supplies the remote API client and user identity per request.
type Session interface {
	API() (*ronapi.Client, error)
	Username() string
}

// Assistant is the supervised process as seen by the dispatcher.
type Assistant interface {
	IsReady() bool
	Chat(ctx context.Context, text string) (string, error)
	Exec(ctx context.Context, ds []directive.Directive) (string, error)
}

// OneshotFunc runs a directive batch without a supervised assistant.
type OneshotFunc func(ctx context.Context, ds []directive.Directive) (string, error)

// Launcher starts the worker behind a newly created task.
type Launcher interface {
	Launch(ctx context.Context, t tasks.Task) error
}

// Deps wires a Dispatcher. Oneshot, Launcher and Audit may be nil.
type Deps struct {
	Session     Session
	Assistant   Assistant
	Oneshot     OneshotFunc
	Tasks       *tasks.Manager
	Launcher    Launcher
	Bus         *eventbus.Bus
	Audit       *audit.Logger
	LiveActions []string
}

// Request is one user message.
type Request struct {
	ID       string `json:"request_id,omitempty"`
	Text     string `json:"text"`
	Username string `json:"username,omitempty"`
}

// Outcome summarizes how a request finished.
type Outcome struct {
	RequestID string `json:"request_id"`
	State     State  `json:"state"`
	Path      Path   `json:"path,omitempty"`
	Text      string `json:"text,omitempty"`
	Error     string `json:"error,omitempty"`
	Shutdown  bool   `json:"shutdown,omitempty"`
}

// Dispatcher routes chat requests. It is safe for concurrent use; each
// request publishes only under its own request id.
type Dispatcher struct {
	deps   Deps
	logger *slog.Logger

	// in-flight requests, directive batches and worker launches
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a dispatcher.
func New(deps Deps) *Dispatcher {
	return &Dispatcher{
		deps:   deps,
		logger: slog.With("component", "chat"),
	}
}

// Go dispatches req in the background. It reports false, without publishing
// anything, once the dispatcher is closed.
func (d *Dispatcher) Go(ctx context.Context, req Request) bool {
	return d.spawn(func() { d.Dispatch(ctx, req) })
}

// spawn runs fn as tracked background work unless the dispatcher is closed.
func (d *Dispatcher) spawn(fn func()) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn()
	}()
	return true
}

// Wait blocks until requests and background directive work started so far
// have finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close stops accepting requests and directive work, then waits for what is
// already in flight.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// reply publishes one request's output and guarantees a single terminal
// event, whichever path finishes it.
type reply struct {
	id      string
	bus     *eventbus.Bus
	once    sync.Once
	chunks  int
	text    strings.Builder
	outcome Outcome
}

func (r *reply) chunk(s string) {
	if s == "" {
		return
	}
	r.chunks++
	r.text.WriteString(s)
	if r.bus != nil {
		r.bus.Publish(eventbus.TopicStreamChunk, eventbus.StreamChunk{RequestID: r.id, Text: s})
	}
}

func (r *reply) done(path Path, shutdown bool) {
	r.once.Do(func() {
		r.outcome = Outcome{RequestID: r.id, State: StateDelivered, Path: path, Text: r.text.String(), Shutdown: shutdown}
		if r.bus != nil {
			r.bus.Publish(eventbus.TopicStreamDone, eventbus.StreamDone{RequestID: r.id, Shutdown: shutdown})
		}
	})
}

func (r *reply) fail(msg string) {
	r.once.Do(func() {
		r.outcome = Outcome{RequestID: r.id, State: StateFailed, Text: r.text.String(), Error: msg}
		if r.bus != nil {
			r.bus.Publish(eventbus.TopicStreamError, eventbus.StreamError{RequestID: r.id, Message: msg})
		}
	})
}

// Dispatch delivers the reply to req on the bus and returns how it ended.
// Every call ends with exactly one stream-done or stream-error event. ctx
// also bounds the directive work the reply starts.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Outcome {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Username == "" {
		req.Username = d.deps.Session.Username()
	}
	rep := &reply{id: req.ID, bus: d.deps.Bus}
	log := d.logger.With("request", req.ID)

	text := strings.TrimSpace(req.Text)
	if text == "" {
		rep.fail(MsgEmpty)
		return rep.outcome
	}

	failMsg := MsgUnreachable
	api, err := d.deps.Session.API()
	if err != nil {
		log.Warn("no usable api base, using control socket", "error", err)
	} else {
		cr := ronapi.NewChatRequest(text, req.Username)

		err := d.stream(ctx, api, cr, req.ID, rep)
		if err == nil {
			return rep.outcome
		}
		var streamErr *streamError
		if errors.As(err, &streamErr) {
			rep.fail(streamErr.msg)
			return rep.outcome
		}
		if rep.chunks > 0 {
			// Text already shown cannot be replaced by another path.
			log.Warn("stream broke after partial reply", "error", err)
			rep.fail(MsgInterrupted)
			return rep.outcome
		}
		log.Warn("stream failed, falling back to plain chat", "error", err)

		err = d.plain(ctx, api, cr, req.ID, rep)
		if err == nil {
			return rep.outcome
		}
		log.Warn("plain chat failed", "error", err)
		if isUnauthorized(err) {
			failMsg = MsgUnauthorized
		}
	}

	if err := d.socket(ctx, text, rep); err != nil {
		log.Warn("control socket chat failed", "error", err)
		rep.fail(failMsg)
	}
	return rep.outcome
}

// streamError is an error event sent by the remote stream itself.
type streamError struct{ msg string }

func (e *streamError) Error() string { return "stream error event: " + e.msg }

// errNoDone marks a stream that ended without a done event or any text.
var errNoDone = errors.New("stream ended without reply")

func (d *Dispatcher) stream(ctx context.Context, api *ronapi.Client, cr ronapi.ChatRequest, id string, rep *reply) error {
	var commands []directive.Directive
	finished, shutdown := false, false

	err := api.Stream(ctx, cr, func(ev ronapi.StreamEvent) error {
		if finished {
			return nil
		}
		switch ev.Type {
		case ronapi.EventProgress, ronapi.EventChunk:
			rep.chunk(ev.Delta())
			commands = append(commands, ev.Commands...)
		case ronapi.EventError:
			return &streamError{msg: ev.ErrorMessage()}
		case ronapi.EventDone:
			finished = true
			shutdown = ev.Shutdown
			if rep.chunks == 0 {
				rep.chunk(ev.FullText)
			}
			commands = append(commands, ev.Commands...)
		default:
			d.logger.Debug("ignoring stream event", "type", ev.Type)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !finished && rep.chunks == 0 {
		return errNoDone
	}

	d.route(ctx, id, cr.Username, commands)
	rep.done(PathStream, shutdown)
	return nil
}

func (d *Dispatcher) plain(ctx context.Context, api *ronapi.Client, cr ronapi.ChatRequest, id string, rep *reply) error {
	r, err := api.Chat(ctx, cr)
	if err != nil {
		return err
	}
	for _, s := range Segments(Sanitize(r.Text)) {
		rep.chunk(s)
	}
	d.route(ctx, id, cr.Username, r.Commands)
	rep.done(PathChat, r.Shutdown)
	return nil
}

func (d *Dispatcher) socket(ctx context.Context, text string, rep *reply) error {
	if d.deps.Assistant == nil || !d.deps.Assistant.IsReady() {
		return errors.New("assistant not ready")
	}
	out, err := d.deps.Assistant.Chat(ctx, text)
	if err != nil {
		return err
	}
	for _, s := range Segments(Sanitize(out)) {
		rep.chunk(s)
	}
	rep.done(PathSocket, false)
	return nil
}

func isUnauthorized(err error) bool {
	var apiErr *ronapi.APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized
}
