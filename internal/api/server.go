// Package api serves the boundary layer the desktop UI and the CLI talk to:
// a small REST surface over a Unix socket plus a WebSocket event stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rontubot/rondesk/internal/app"
	"github.com/rontubot/rondesk/internal/chat"
	"github.com/rontubot/rondesk/internal/control"
	"github.com/rontubot/rondesk/internal/daemon"
	"github.com/rontubot/rondesk/internal/eventbus"
	"github.com/rontubot/rondesk/internal/supervisor"
	"github.com/rontubot/rondesk/internal/tasks"
)

const (
	writeWait      = 10 * time.Second
	defaultLogTail = 100
)

// Server serves the rondesk REST API over a Unix socket.
type Server struct {
	daemon   *daemon.Daemon
	listener net.Listener
	server   *http.Server
	upgrader websocket.Upgrader
	logger   *slog.Logger
	ctx      context.Context
}

// NewServer creates an API server backed by the given daemon.
func NewServer(d *daemon.Daemon, ctx context.Context) *Server {
	s := &Server{
		daemon: d,
		logger: slog.With("component", "api"),
		ctx:    ctx,
		upgrader: websocket.Upgrader{
			// Only local clients reach the socket; the desktop webview has no
			// stable origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/health", s.health)
	mux.HandleFunc("GET /v1/assistant", s.assistantStatus)
	mux.HandleFunc("GET /v1/assistant/logs", s.assistantLogs)
	mux.HandleFunc("POST /v1/assistant/start", s.startAssistant)
	mux.HandleFunc("POST /v1/assistant/stop", s.stopAssistant)
	mux.HandleFunc("POST /v1/assistant/listening", s.toggleListening)
	mux.HandleFunc("POST /v1/assistant/recording/start", s.startRecording)
	mux.HandleFunc("POST /v1/assistant/recording/stop", s.stopRecording)
	mux.HandleFunc("POST /v1/chat", s.chat)
	mux.HandleFunc("GET /v1/tasks", s.listTasks)
	mux.HandleFunc("POST /v1/tasks/clear-completed", s.clearCompleted)
	mux.HandleFunc("GET /v1/tasks/{id}", s.getTask)
	mux.HandleFunc("DELETE /v1/tasks/{id}", s.deleteTask)
	mux.HandleFunc("POST /v1/tasks/{id}/cancel", s.cancelTask)
	mux.HandleFunc("GET /v1/auth/token", s.getToken)
	mux.HandleFunc("PUT /v1/auth/token", s.setToken)
	mux.HandleFunc("DELETE /v1/auth/token", s.clearToken)
	mux.HandleFunc("PUT /v1/config/api-base", s.setAPIBase)
	mux.HandleFunc("POST /v1/remote", s.remote)
	mux.HandleFunc("GET /v1/events", s.events)

	s.server = &http.Server{Handler: mux}
	return s
}

// ListenUnix starts the server on a Unix socket.
func (s *Server) ListenUnix(path string) error {
	ln, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	s.listener = ln
	s.logger.Info("API listening", "socket", path)
	return s.server.Serve(ln)
}

// ListenTCP starts the server on a TCP address.
func (s *Server) ListenTCP(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.logger.Info("API listening", "addr", addr)
	return s.server.Serve(ln)
}

// Shutdown gracefully shuts down the API server. Hijacked WebSocket
// connections end when the daemon context is cancelled.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) assistantStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.daemon.AssistantStatus(r.Context()))
}

func (s *Server) assistantLogs(w http.ResponseWriter, r *http.Request) {
	n := defaultLogTail
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("n must be a positive integer"))
			return
		}
		n = parsed
	}
	lines := s.daemon.Assistant().LogLines(n)
	if lines == nil {
		lines = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"lines": lines})
}

type startRequest struct {
	Username string `json:"username"`
}

func (s *Server) startAssistant(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	// The launch outlives this request.
	if err := s.daemon.StartAssistant(s.ctx, req.Username); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.daemon.Assistant().Snapshot())
}

func (s *Server) stopAssistant(w http.ResponseWriter, r *http.Request) {
	if err := s.daemon.StopAssistant(r.Context()); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, s.daemon.Assistant().Snapshot())
}

func (s *Server) toggleListening(w http.ResponseWriter, r *http.Request) {
	listen, err := s.daemon.Assistant().ToggleListening(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"listen": string(listen)})
}

func (s *Server) startRecording(w http.ResponseWriter, r *http.Request) {
	if err := s.daemon.Assistant().StartRecording(r.Context()); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"recording": "started"})
}

func (s *Server) stopRecording(w http.ResponseWriter, r *http.Request) {
	if err := s.daemon.Assistant().StopRecording(r.Context()); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"recording": "stopped"})
}

func (s *Server) chat(w http.ResponseWriter, r *http.Request) {
	var req chat.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id := s.daemon.Chat(req)
	writeJSON(w, http.StatusAccepted, map[string]string{"request_id": id})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.daemon.Tasks().List())
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.daemon.Tasks().Get(r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.daemon.Tasks().Delete(id) {
		writeError(w, http.StatusNotFound, tasks.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, eventbus.TaskDeleted{ID: id, Deleted: true})
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.daemon.CancelTask(r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) clearCompleted(w http.ResponseWriter, r *http.Request) {
	n := s.daemon.Tasks().ClearCompleted()
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

type tokenRequest struct {
	Token string `json:"token"`
}

type tokenStatus struct {
	Present bool   `json:"present"`
	Masked  string `json:"masked,omitempty"`
}

func (s *Server) getToken(w http.ResponseWriter, r *http.Request) {
	tok := s.daemon.Session().Token()
	writeJSON(w, http.StatusOK, tokenStatus{Present: tok != "", Masked: maskToken(tok)})
}

// maskToken hides all but the last four characters of a long token.
func maskToken(tok string) string {
	switch {
	case tok == "":
		return ""
	case len(tok) <= 8:
		return strings.Repeat("*", len(tok))
	}
	return strings.Repeat("*", 8) + tok[len(tok)-4:]
}

func (s *Server) setToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		writeError(w, http.StatusBadRequest, errors.New("token is required"))
		return
	}
	if err := s.daemon.Session().SetToken(req.Token); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) clearToken(w http.ResponseWriter, r *http.Request) {
	if err := s.daemon.Session().ClearToken(); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type apiBaseRequest struct {
	APIBase string `json:"api_base"`
}

func (s *Server) setAPIBase(w http.ResponseWriter, r *http.Request) {
	var req apiBaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	base, err := s.daemon.Session().SetAPIBase(req.APIBase)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, apiBaseRequest{APIBase: base})
}

// events streams bus events to one WebSocket client until it disconnects or
// the daemon stops. ?topics=a,b narrows the subscription.
type remoteRequest struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

type remoteResponse struct {
	OK     bool            `json:"ok"`
	Status int             `json:"status"`
	Data   json.RawMessage `json:"data"`
}

// remote forwards an arbitrary call to the Ron API with the session's auth.
// Any upstream status is reported in the envelope; a non-JSON body comes
// back as {"text": ...}.
func (s *Server) remote(w http.ResponseWriter, r *http.Request) {
	var req remoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Path == "" {
		req.Path = "/"
	}
	body := req.Body
	if string(body) == "null" {
		body = nil
	}

	api, err := s.daemon.Session().API()
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	resp, err := api.Do(r.Context(), req.Method, req.Path, req.Headers, body)
	if err != nil {
		s.logger.Warn("remote call failed", "method", req.Method, "path", req.Path, "error", err)
		writeError(w, http.StatusBadGateway, err)
		return
	}

	data := json.RawMessage(resp.Body)
	if !json.Valid(resp.Body) {
		data, _ = json.Marshal(map[string]string{"text": string(resp.Body)})
	}
	writeJSON(w, http.StatusOK, remoteResponse{OK: resp.OK(), Status: resp.Status, Data: data})
}

func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	var topics []eventbus.Topic
	if v := r.URL.Query().Get("topics"); v != "" {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				topics = append(topics, eventbus.Topic(t))
			}
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch, unsub := s.daemon.Bus().Subscribe(topics...)
	defer unsub()

	// Clients never send anything; reading surfaces the close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				// Either the daemon is stopping or this client fell behind
				// and must reconnect and reload.
				if s.ctx.Err() != nil {
					s.closeSocket(conn, websocket.CloseGoingAway, "daemon stopping")
				} else {
					s.closeSocket(conn, websocket.CloseTryAgainLater, "fell behind, reconnect")
				}
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("websocket write failed", "error", err)
				return
			}
		case <-gone:
			return
		case <-s.ctx.Done():
			s.closeSocket(conn, websocket.CloseGoingAway, "daemon stopping")
			return
		}
	}
}

func (s *Server) closeSocket(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, supervisor.ErrAlreadyRunning),
		errors.Is(err, supervisor.ErrNotRunning),
		errors.Is(err, tasks.ErrTerminal):
		return http.StatusConflict
	case errors.Is(err, tasks.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, app.ErrInvalidAPIBase):
		return http.StatusBadRequest
	case errors.Is(err, control.ErrConnection),
		errors.Is(err, control.ErrTimeout),
		errors.Is(err, control.ErrUnexpectedReply):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// decodeOptional decodes a JSON body if one was sent.
func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
