// Package server exposes the read-only status API: request listings
// with their error classification, per-request detail and results, and
// a websocket stream of lifecycle transitions.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/foliosai/folios/internal/artifact"
	"github.com/foliosai/folios/internal/domain"
	"github.com/foliosai/folios/internal/store"
)

// Server serves the status API. It only reads; all writes go through
// the orchestrator and runtimes.
type Server struct {
	store    *store.SQL
	files    *artifact.FileStore
	log      *zap.Logger
	upgrader websocket.Upgrader

	// Watch keepalive: a peer that misses pongWait gets reaped instead
	// of holding its connection until the next write fails.
	pingInterval time.Duration
	pongWait     time.Duration
}

func New(s *store.SQL, artifactRoot string, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		store: s,
		files: artifact.NewFileStore(artifactRoot),
		log:   log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		pingInterval: 30 * time.Second,
		pongWait:     75 * time.Second,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/requests", s.handleListRequests)
	mux.HandleFunc("/v1/requests/watch", s.handleWatch)
	mux.HandleFunc("/v1/requests/", s.handleRequestSubtree)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requestView is the API shape of one request plus its active task.
type requestView struct {
	domain.Request
	Task      *taskView `json:"task,omitempty"`
	ErrorKind string    `json:"error_kind,omitempty"`
	Error     string    `json:"error,omitempty"`
}

type taskView struct {
	ID            uuid.UUID  `json:"id"`
	Sequence      int        `json:"sequence"`
	State         domain.LifecycleState `json:"lifecycle_state"`
	ProviderJobID string     `json:"provider_job_id,omitempty"`
	ExitCode      *int       `json:"exit_code,omitempty"`
	Retries       int        `json:"retries"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	filter := store.RequestFilter{
		State:    domain.LifecycleState(strings.TrimSpace(r.URL.Query().Get("state"))),
		Provider: domain.ProviderID(strings.TrimSpace(r.URL.Query().Get("provider"))),
		Limit:    100,
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			filter.Limit = n
		}
	}

	reqs, err := s.store.ListRequests(r.Context(), filter)
	if err != nil {
		s.internalError(w, err)
		return
	}
	views := make([]requestView, 0, len(reqs))
	for i := range reqs {
		views = append(views, s.buildView(r.Context(), reqs[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": views})
}

func (s *Server) buildView(ctx context.Context, req domain.Request) requestView {
	view := requestView{Request: req}
	task, err := s.store.ActiveTask(ctx, req.ID)
	if err != nil {
		return view
	}
	view.Task = &taskView{
		ID:            task.ID,
		Sequence:      task.Sequence,
		State:         task.State,
		ProviderJobID: task.ProviderJobID,
		ExitCode:      task.ExitCode,
		Retries:       task.Retries,
		StartedAt:     task.StartedAt,
		CompletedAt:   task.CompletedAt,
	}
	view.ErrorKind = task.Metadata["error_kind"]
	view.Error = task.Metadata["error"]
	return view
}

// handleRequestSubtree routes /v1/requests/{id} and /v1/requests/{id}/result.
func (s *Server) handleRequestSubtree(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/requests/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")

	id, err := uuid.Parse(parts[0])
	if err != nil {
		http.Error(w, "invalid request id", http.StatusBadRequest)
		return
	}
	switch {
	case len(parts) == 1:
		s.handleGetRequest(w, r, id)
	case len(parts) == 2 && parts[1] == "result":
		s.handleGetResult(w, r, id)
	case len(parts) == 2 && parts[1] == "transitions":
		s.handleGetTransitions(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	req, err := s.store.GetRequest(r.Context(), id)
	if err != nil {
		s.notFoundOrError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.buildView(r.Context(), req))
}

func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	req, err := s.store.GetRequest(r.Context(), id)
	if err != nil {
		s.notFoundOrError(w, err)
		return
	}
	if req.State != domain.StateSucceeded {
		http.Error(w, "request has no result: state is "+string(req.State), http.StatusConflict)
		return
	}
	task, err := s.store.ActiveTask(r.Context(), id)
	if err != nil {
		s.notFoundOrError(w, err)
		return
	}

	if res, ok := s.store.CachedResult(task.ID.String()); ok {
		writeJSON(w, http.StatusOK, res)
		return
	}
	// Artifact dirs come from the database; the file store keeps a bad
	// row from reading outside the artifact root.
	raw, err := s.files.Read(r.Context(), artifact.Dir(task.ArtifactDir).ParsedPath())
	if err != nil {
		http.Error(w, "parsed result is missing", http.StatusNotFound)
		return
	}
	var res domain.CanonicalResult
	if err := json.Unmarshal(raw, &res); err != nil {
		s.internalError(w, err)
		return
	}
	s.store.CacheResult(task.ID.String(), res)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetTransitions(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	entries, err := s.store.TransitionsForRequest(r.Context(), id)
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transitions": entries})
}

// handleWatch upgrades to a websocket and tails the transition log,
// pushing new entries as they land. `after` resumes from a known entry.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	afterID := int64(0)
	if raw := r.URL.Query().Get("after"); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			afterID = n
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(s.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.pongWait))
	})

	// Drain client frames so pongs and close frames are processed. The
	// read deadline trips here when the peer goes silent.
	dead := make(chan struct{})
	go func() {
		defer close(dead)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	ping := time.NewTicker(s.pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-dead:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
			continue
		case <-ticker.C:
		}
		entries, err := s.store.TransitionsSince(r.Context(), afterID, 200)
		if err != nil {
			s.log.Warn("transition tail failed", zap.Error(err))
			return
		}
		for _, entry := range entries {
			if err := conn.WriteJSON(entry); err != nil {
				return
			}
			afterID = entry.ID
		}
	}
}

func (s *Server) notFoundOrError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "request not found", http.StatusNotFound)
		return
	}
	s.internalError(w, err)
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.log.Error("request failed", zap.Error(err))
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
