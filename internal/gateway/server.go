package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/seiler-io/jetgate/internal/config"
	"github.com/seiler-io/jetgate/internal/history"
	"github.com/seiler-io/jetgate/internal/recording"
	"github.com/seiler-io/jetgate/internal/session"
	"github.com/seiler-io/jetgate/internal/subscriber"
)

// Server is the gateway's HTTP surface: the recording push endpoint, the
// session control plane, and the admin/observability API.
type Server struct {
	Registry   *session.Registry
	Recordings recording.Handle
	History    *history.Store
	Conf       *config.Handle
	Events     chan<- subscriber.Message
	RateLimit  *RateLimiter

	baseCtx context.Context
	mux     *http.ServeMux
	pushers sync.WaitGroup

	closersMu sync.Mutex
	closers   map[uuid.UUID]context.CancelFunc
}

// NewServer wires the gateway surface. baseCtx is the process lifetime;
// cancelling it shuts long-lived connections down.
func NewServer(baseCtx context.Context, conf *config.Handle, registry *session.Registry,
	recordings recording.Handle, store *history.Store, events chan<- subscriber.Message) *Server {

	s := &Server{
		Registry:   registry,
		Recordings: recordings,
		History:    store,
		Conf:       conf,
		Events:     events,
		baseCtx:    baseCtx,
		mux:        http.NewServeMux(),
		closers:    make(map[uuid.UUID]context.CancelFunc),
	}

	s.mux.HandleFunc("GET /health", s.handleHealth)

	// Recording push (WebSocket data plane)
	s.mux.HandleFunc("GET /jet/rec/{id}", s.handleRecordingPush)

	// Session control plane, driven by the proxy layer
	s.mux.HandleFunc("POST /jet/sessions/start", s.handleSessionStart)
	s.mux.HandleFunc("POST /jet/sessions/{id}/end", s.handleSessionEnd)

	// Admin / observability
	s.mux.HandleFunc("GET /jet/sessions", s.requireScope(tokenScopeSessions, s.handleSessions))
	s.mux.HandleFunc("GET /jet/sessions/history", s.requireScope(tokenScopeSessions, s.handleSessionHistory))
	s.mux.HandleFunc("GET /jet/recordings/count", s.requireScope(tokenScopeRecordings, s.handleRecordingCount))
	s.mux.HandleFunc("GET /jet/recordings/{id}/state", s.requireScope(tokenScopeRecordings, s.handleRecordingState))

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.RateLimit != nil && strings.HasPrefix(r.URL.Path, "/jet/") {
		if !s.RateLimit.Allow(clientIP(r)) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

// WaitPushers blocks until every recording push handler has returned.
func (s *Server) WaitPushers() {
	s.pushers.Wait()
}

// StartSession registers a live session, emits session.started, and keeps
// the closer around so a required-recording eviction can terminate it.
func (s *Server) StartSession(info session.Info, closer context.CancelFunc) {
	s.Registry.Add(info)
	if closer != nil {
		s.closersMu.Lock()
		s.closers[info.AssociationID] = closer
		s.closersMu.Unlock()
	}
	s.emit(subscriber.SessionStarted(subscriber.SessionInfo{
		AssociationID:  info.AssociationID,
		StartTimestamp: info.StartTimestamp,
	}))
}

// EndSession removes a session, persists it to history, and emits
// session.ended. Unknown IDs are ignored.
func (s *Server) EndSession(id uuid.UUID) {
	info, ok := s.Registry.Get(id)
	if !ok {
		return
	}
	s.Registry.Remove(id)

	s.closersMu.Lock()
	delete(s.closers, id)
	s.closersMu.Unlock()

	if s.History != nil {
		if err := s.History.RecordEnded(info, time.Now().UTC()); err != nil {
			slog.Error("record session history", "id", id, "error", err)
		}
	}

	s.emit(subscriber.SessionEnded(subscriber.SessionInfo{
		AssociationID:  info.AssociationID,
		StartTimestamp: info.StartTimestamp,
	}))
}

// HandleRecordingEvicted is the recording manager's eviction hook: a session
// that must be recorded loses its recording, so the session goes too. Only
// sessions registered with a closer can be terminated; others keep running.
func (s *Server) HandleRecordingEvicted(id uuid.UUID) {
	info, ok := s.Registry.Get(id)
	if !ok || !info.RecordingPolicy {
		return
	}

	s.closersMu.Lock()
	closer := s.closers[id]
	s.closersMu.Unlock()

	if closer != nil {
		slog.Warn("terminating session whose required recording ended", "id", id)
		closer()
	}
}

// emit queues a subscriber message. Producers normally wait for a slot;
// during shutdown the message is dropped instead of deadlocking.
func (s *Server) emit(msg subscriber.Message) {
	select {
	case s.Events <- msg:
	case <-s.baseCtx.Done():
		slog.Debug("dropping subscriber message during shutdown", "kind", msg.Kind)
	}
}
