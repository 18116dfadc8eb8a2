package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rontubot/rondesk/internal/audit"
	"github.com/rontubot/rondesk/internal/directive"
	"github.com/rontubot/rondesk/internal/eventbus"
	"github.com/rontubot/rondesk/internal/ronapi"
	"github.com/rontubot/rondesk/internal/tasks"
)

type fakeSession struct {
	api *ronapi.Client
	err error
}

func (s fakeSession) API() (*ronapi.Client, error) { return s.api, s.err }
func (s fakeSession) Username() string              { return "ana" }

type fakeAssistant struct {
	ready     bool
	chatReply string
	chatErr   error
	execReply string
	execErr   error

	mu    sync.Mutex
	execs [][]directive.Directive
	chats []string
}

func (a *fakeAssistant) IsReady() bool { return a.ready }

func (a *fakeAssistant) Chat(_ context.Context, text string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.chats = append(a.chats, text)
	return a.chatReply, a.chatErr
}

func (a *fakeAssistant) Exec(_ context.Context, ds []directive.Directive) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.execs = append(a.execs, ds)
	return a.execReply, a.execErr
}

type fakeLauncher struct {
	mu       sync.Mutex
	launched []tasks.Task
}

func (l *fakeLauncher) Launch(_ context.Context, t tasks.Task) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launched = append(l.launched, t)
	return nil
}

// remote fakes the Ron API. stream is written line by line as SSE; a
// non-zero streamStatus or plainStatus replaces the body with an error.
type remote struct {
	stream       []string
	streamStatus int
	plain        string
	plainStatus  int
	plainCalls   atomic.Int32

	// When gate is set the stream handler signals entered and then blocks
	// until gate is closed.
	gate    chan struct{}
	entered chan struct{}
}

func (rm *remote) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /ron/stream", func(w http.ResponseWriter, r *http.Request) {
		if rm.streamStatus != 0 {
			w.WriteHeader(rm.streamStatus)
			return
		}
		if rm.gate != nil {
			close(rm.entered)
			<-rm.gate
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, l := range rm.stream {
			fmt.Fprintf(w, "data: %s\n\n", l)
			w.(http.Flusher).Flush()
		}
	})
	mux.HandleFunc("POST /ron", func(w http.ResponseWriter, r *http.Request) {
		rm.plainCalls.Add(1)
		if rm.plainStatus != 0 {
			w.WriteHeader(rm.plainStatus)
			fmt.Fprint(w, `{"detail":"nope"}`)
			return
		}
		fmt.Fprint(w, rm.plain)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type harness struct {
	d         *Dispatcher
	bus       *eventbus.Bus
	events    <-chan eventbus.Event
	assistant *fakeAssistant
	launcher  *fakeLauncher
	tasks     *tasks.Manager
}

func newHarness(t *testing.T, rm *remote, assistant *fakeAssistant, deps Deps) *harness {
	t.Helper()
	bus := eventbus.New()
	t.Cleanup(bus.Close)
	events, unsub := bus.Subscribe(eventbus.TopicStreamChunk, eventbus.TopicStreamDone,
		eventbus.TopicStreamError, eventbus.TopicCommandResults)
	t.Cleanup(unsub)

	if deps.Session == nil {
		if rm != nil {
			deps.Session = fakeSession{api: ronapi.New(rm.server(t).URL)}
		} else {
			deps.Session = fakeSession{err: errors.New("no api base")}
		}
	}
	if assistant == nil {
		assistant = &fakeAssistant{}
	}
	launcher := &fakeLauncher{}
	m := tasks.NewManager(nil)

	deps.Assistant = assistant
	deps.Bus = bus
	deps.Tasks = m
	deps.Launcher = launcher
	if deps.LiveActions == nil {
		deps.LiveActions = []string{"start_listening", "stop_listening", "speak"}
	}

	return &harness{
		d:         New(deps),
		bus:       bus,
		events:    events,
		assistant: assistant,
		launcher:  launcher,
		tasks:     m,
	}
}

// collected is what the UI saw for one request.
type collected struct {
	chunks   []string
	done     int
	shutdown bool
	errors   []string
	results  []eventbus.CommandResults
}

func (h *harness) dispatch(t *testing.T, text string) (Outcome, collected) {
	t.Helper()
	out := h.d.Dispatch(context.Background(), Request{Text: text})
	h.d.Wait()

	var c collected
	for {
		select {
		case ev := <-h.events:
			switch p := ev.Payload.(type) {
			case eventbus.StreamChunk:
				assert.Equal(t, out.RequestID, p.RequestID)
				c.chunks = append(c.chunks, p.Text)
			case eventbus.StreamDone:
				c.done++
				c.shutdown = p.Shutdown
			case eventbus.StreamError:
				c.errors = append(c.errors, p.Message)
			case eventbus.CommandResults:
				c.results = append(c.results, p)
			}
		case <-time.After(100 * time.Millisecond):
			return out, c
		}
	}
}

func TestStreamChunksWithoutDuplicateFullText(t *testing.T) {
	rm := &remote{stream: []string{
		`{"type":"chunk","chunk":"Hel"}`,
		`{"type":"chunk","chunk":"lo"}`,
		`{"type":"done","full_text":"Hello"}`,
	}}
	h := newHarness(t, rm, nil, Deps{})

	out, c := h.dispatch(t, "hi")
	assert.Equal(t, []string{"Hel", "lo"}, c.chunks)
	assert.Equal(t, 1, c.done)
	assert.Empty(t, c.errors)
	assert.Equal(t, StateDelivered, out.State)
	assert.Equal(t, PathStream, out.Path)
	assert.Equal(t, "Hello", out.Text)
	assert.Equal(t, int32(0), rm.plainCalls.Load())
}

func TestStreamFullTextOnlyOnce(t *testing.T) {
	rm := &remote{stream: []string{
		`{"type":"done","full_text":"Hello"}`,
		`{"type":"done","full_text":"Hello"}`,
	}}
	h := newHarness(t, rm, nil, Deps{})

	_, c := h.dispatch(t, "hi")
	assert.Equal(t, []string{"Hello"}, c.chunks)
	assert.Equal(t, 1, c.done)
}

func TestStreamProgressEventsForwarded(t *testing.T) {
	rm := &remote{stream: []string{
		`{"type":"progress","text":"Thinking"}`,
		`{"type":"mystery"}`,
		`{"type":"chunk","chunk":" done"}`,
		`{"type":"done"}`,
	}}
	h := newHarness(t, rm, nil, Deps{})

	_, c := h.dispatch(t, "hi")
	assert.Equal(t, []string{"Thinking", " done"}, c.chunks)
}

func TestStreamWithoutDoneKeepsPartialReply(t *testing.T) {
	rm := &remote{stream: []string{`{"type":"chunk","chunk":"partial"}`}}
	h := newHarness(t, rm, nil, Deps{})

	out, c := h.dispatch(t, "hi")
	assert.Equal(t, []string{"partial"}, c.chunks)
	assert.Equal(t, 1, c.done)
	assert.Equal(t, StateDelivered, out.State)
	assert.Equal(t, int32(0), rm.plainCalls.Load())
}

func TestFallbackToPlainSegments(t *testing.T) {
	for _, status := range []int{http.StatusNotFound, http.StatusUnauthorized} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			rm := &remote{streamStatus: status, plain: `{"user_response":"A. B. C"}`}
			h := newHarness(t, rm, nil, Deps{})

			out, c := h.dispatch(t, "hi")
			assert.Equal(t, []string{"A.", "B.", "C"}, c.chunks)
			assert.Equal(t, 1, c.done)
			assert.Equal(t, PathChat, out.Path)
		})
	}
}

func TestFallbackWhenStreamEmpty(t *testing.T) {
	rm := &remote{stream: []string{`not json`}, plain: `{"reply":"fine"}`}
	h := newHarness(t, rm, nil, Deps{})

	out, c := h.dispatch(t, "hi")
	assert.Equal(t, []string{"fine"}, c.chunks)
	assert.Equal(t, PathChat, out.Path)
}

func TestPlainReplySanitized(t *testing.T) {
	rm := &remote{streamStatus: http.StatusNotFound, plain: `{"user_response":"[RON] loading\nHi there"}`}
	h := newHarness(t, rm, nil, Deps{})

	_, c := h.dispatch(t, "hi")
	assert.Equal(t, []string{"Hi there"}, c.chunks)
}

func TestStreamErrorEventSurfaced(t *testing.T) {
	rm := &remote{stream: []string{`{"type":"error","error":"model overloaded"}`}, plain: `{"text":"x"}`}
	h := newHarness(t, rm, nil, Deps{})

	out, c := h.dispatch(t, "hi")
	assert.Equal(t, []string{"model overloaded"}, c.errors)
	assert.Zero(t, c.done)
	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, int32(0), rm.plainCalls.Load())
}

func TestStreamErrorAfterChunks(t *testing.T) {
	rm := &remote{stream: []string{
		`{"type":"chunk","chunk":"Hal"}`,
		`{"type":"error","message":"cut"}`,
	}}
	h := newHarness(t, rm, nil, Deps{})

	_, c := h.dispatch(t, "hi")
	assert.Equal(t, []string{"Hal"}, c.chunks)
	assert.Equal(t, []string{"cut"}, c.errors, "the server's message wins over the generic one")
	assert.Zero(t, c.done)
	assert.Equal(t, int32(0), rm.plainCalls.Load())
}

func TestSocketFallback(t *testing.T) {
	rm := &remote{streamStatus: http.StatusNotFound, plainStatus: http.StatusBadGateway}
	a := &fakeAssistant{ready: true, chatReply: "Offline. Still here"}
	h := newHarness(t, rm, a, Deps{})

	out, c := h.dispatch(t, "hola")
	assert.Equal(t, []string{"Offline.", "Still here"}, c.chunks)
	assert.Equal(t, PathSocket, out.Path)
	assert.Equal(t, []string{"hola"}, a.chats)
}

func TestSocketFallbackWithoutAPIBase(t *testing.T) {
	a := &fakeAssistant{ready: true, chatReply: "local"}
	h := newHarness(t, nil, a, Deps{})

	out, c := h.dispatch(t, "hola")
	assert.Equal(t, []string{"local"}, c.chunks)
	assert.Equal(t, PathSocket, out.Path)
}

func TestEverythingFails(t *testing.T) {
	rm := &remote{streamStatus: http.StatusNotFound, plainStatus: http.StatusInternalServerError}
	h := newHarness(t, rm, nil, Deps{})

	out, c := h.dispatch(t, "hi")
	assert.Equal(t, []string{MsgUnreachable}, c.errors)
	assert.Zero(t, c.done)
	assert.Equal(t, StateFailed, out.State)
}

func TestUnauthorizedMessage(t *testing.T) {
	rm := &remote{streamStatus: http.StatusUnauthorized, plainStatus: http.StatusUnauthorized}
	h := newHarness(t, rm, nil, Deps{})

	_, c := h.dispatch(t, "hi")
	assert.Equal(t, []string{MsgUnauthorized}, c.errors)
}

func TestEmptyMessage(t *testing.T) {
	h := newHarness(t, nil, nil, Deps{})
	out, c := h.dispatch(t, "   ")
	assert.Equal(t, []string{MsgEmpty}, c.errors)
	assert.Equal(t, StateFailed, out.State)
}

func TestDirectivesRoutedToRunningAssistant(t *testing.T) {
	rm := &remote{stream: []string{
		`{"type":"chunk","chunk":"On it","commands":[{"action":"open_app","params":{"name":"notes"}}]}`,
		`{"type":"done","commands":[{"action":"queue_local_task","params":{"kind":"analyze_file","description":"d","params":{"path":"/tmp/x"}}}]}`,
	}}
	a := &fakeAssistant{ready: true, execReply: "EXEC_OK"}
	h := newHarness(t, rm, a, Deps{})

	out, c := h.dispatch(t, "analyze")
	assert.Equal(t, []string{"On it"}, c.chunks)

	list := h.tasks.List()
	require.Len(t, list, 1)
	assert.Equal(t, "analyze_file", list[0].Kind)
	assert.Equal(t, "ana", list[0].User)
	assert.Equal(t, tasks.SourceServer, list[0].Source)
	assert.Equal(t, map[string]any{"path": "/tmp/x"}, list[0].Params)

	require.Len(t, h.launcher.launched, 1)
	assert.Equal(t, list[0].ID, h.launcher.launched[0].ID)

	require.Len(t, a.execs, 1)
	assert.Equal(t, "open_app", a.execs[0][0].Action)

	require.Len(t, c.results, 1)
	assert.Equal(t, out.RequestID, c.results[0].RequestID)
	assert.Equal(t, []eventbus.CommandResult{{Action: "open_app", OK: true, Message: "EXEC_OK"}}, c.results[0].Results)
}

func TestDirectivesWithoutAssistant(t *testing.T) {
	rm := &remote{streamStatus: http.StatusNotFound,
		plain: `{"user_response":"Done","commands":[{"action":"open_app"},{"action":"start_listening"}]}`}

	var oneshot [][]directive.Directive
	deps := Deps{Oneshot: func(_ context.Context, ds []directive.Directive) (string, error) {
		oneshot = append(oneshot, ds)
		return "ran", nil
	}}
	h := newHarness(t, rm, &fakeAssistant{ready: false}, deps)

	out, c := h.dispatch(t, "go")
	assert.Equal(t, StateDelivered, out.State)
	assert.Equal(t, []string{"Done"}, c.chunks)

	require.Len(t, oneshot, 1)
	assert.Equal(t, []directive.Directive{{Action: "open_app"}}, oneshot[0])

	require.Len(t, c.results, 1)
	assert.Equal(t, []eventbus.CommandResult{
		{Action: "open_app", OK: true, Message: "ran"},
		{Action: "start_listening", Error: MsgAssistantInactive},
	}, c.results[0].Results)
}

func TestDirectivesWithoutAnyExecutor(t *testing.T) {
	rm := &remote{streamStatus: http.StatusNotFound, plain: `{"text":"ok","commands":[{"action":"open_app"}]}`}
	h := newHarness(t, rm, nil, Deps{})

	_, c := h.dispatch(t, "go")
	assert.Equal(t, 1, c.done)
	require.Len(t, c.results, 1)
	assert.Equal(t, MsgAssistantInactive, c.results[0].Results[0].Error)
}

func TestExecFailureReported(t *testing.T) {
	rm := &remote{stream: []string{`{"type":"done","full_text":"ok","commands":[{"action":"open_app"}]}`}}
	a := &fakeAssistant{ready: true, execErr: errors.New("control socket timeout")}
	h := newHarness(t, rm, a, Deps{})

	_, c := h.dispatch(t, "go")
	require.Len(t, c.results, 1)
	assert.False(t, c.results[0].Results[0].OK)
	assert.Equal(t, "control socket timeout", c.results[0].Results[0].Error)
}

func TestDirectivesAudited(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	log, err := audit.NewLogger(path)
	require.NoError(t, err)
	defer log.Close()

	rm := &remote{stream: []string{`{"type":"done","full_text":"ok","commands":[` +
		`{"action":"queue_local_task","params":{"kind":"reminder_timer","seconds":5}},{"action":"speak"}]}`}}
	h := newHarness(t, rm, nil, Deps{Audit: log})

	out, _ := h.dispatch(t, "go")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	var first, second audit.Entry
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, audit.TargetTask, first.Target)
	assert.NotEmpty(t, first.TaskID)
	assert.Equal(t, out.RequestID, first.RequestID)
	assert.Equal(t, audit.TargetRejected, second.Target)
	assert.Equal(t, "speak", second.Directive)

	list := h.tasks.List()
	require.Len(t, list, 1)
	assert.Equal(t, map[string]any{"seconds": float64(5)}, list[0].Params)
}

func TestShutdownFlagCarriedToDone(t *testing.T) {
	t.Run("stream", func(t *testing.T) {
		rm := &remote{stream: []string{`{"type":"done","full_text":"Bye","shutdown":true}`}}
		h := newHarness(t, rm, nil, Deps{})

		out, c := h.dispatch(t, "bye")
		assert.True(t, c.shutdown)
		assert.True(t, out.Shutdown)
	})
	t.Run("plain", func(t *testing.T) {
		rm := &remote{streamStatus: http.StatusNotFound, plain: `{"user_response":"Bye","shutdown":true}`}
		h := newHarness(t, rm, nil, Deps{})

		out, c := h.dispatch(t, "bye")
		assert.True(t, c.shutdown)
		assert.Equal(t, PathChat, out.Path)
	})
	t.Run("absent", func(t *testing.T) {
		rm := &remote{stream: []string{`{"type":"done","full_text":"Hi"}`}}
		h := newHarness(t, rm, nil, Deps{})

		_, c := h.dispatch(t, "hi")
		assert.False(t, c.shutdown)
	})
}

func TestClosedDispatcherRefusesRequests(t *testing.T) {
	h := newHarness(t, nil, nil, Deps{})
	h.d.Close()

	assert.False(t, h.d.Go(context.Background(), Request{Text: "hi"}))
	select {
	case ev := <-h.events:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCloseWaitsForInFlightRequestAndRejectsItsDirectives(t *testing.T) {
	rm := &remote{
		stream: []string{`{"type":"done","full_text":"ok","commands":[` +
			`{"action":"queue_local_task","params":{"kind":"reminder_timer"}},{"action":"open_app"}]}`},
		gate:    make(chan struct{}),
		entered: make(chan struct{}),
	}
	a := &fakeAssistant{ready: true, execReply: "EXEC_OK"}
	h := newHarness(t, rm, a, Deps{})

	require.True(t, h.d.Go(context.Background(), Request{ID: "r1", Text: "go"}))
	<-rm.entered

	closed := make(chan struct{})
	go func() {
		h.d.Close()
		close(closed)
	}()
	require.Eventually(t, h.d.isClosed, time.Second, 5*time.Millisecond)

	select {
	case <-closed:
		t.Fatal("Close returned while a request was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(rm.gate)
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return after the request finished")
	}

	var done int
	var results []eventbus.CommandResults
	for len(h.events) > 0 {
		ev := <-h.events
		switch p := ev.Payload.(type) {
		case eventbus.StreamDone:
			done++
		case eventbus.CommandResults:
			results = append(results, p)
		}
	}
	assert.Equal(t, 1, done)
	assert.Empty(t, h.tasks.List(), "no task is created after close")
	assert.Empty(t, h.launcher.launched)
	assert.Empty(t, a.execs)
	require.Len(t, results, 1)
	assert.Equal(t, []eventbus.CommandResult{{Action: "open_app", Error: MsgShuttingDown}}, results[0].Results)
}
