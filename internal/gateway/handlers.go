package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/seiler-io/jetgate/internal/history"
	"github.com/seiler-io/jetgate/internal/recording"
	"github.com/seiler-io/jetgate/internal/session"
	"github.com/seiler-io/jetgate/internal/token"
)

const (
	tokenScopeSessions   = token.ScopeSessionsRead
	tokenScopeRecordings = token.ScopeRecordingsRead
)

// bearerToken pulls the credential from the Authorization header or, for
// WebSocket clients that cannot set headers, the token query parameter.
func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func (s *Server) provisionerKey() []byte {
	return []byte(s.Conf.Get().ProvisionerKey)
}

func (s *Server) requireScope(scope string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := token.ParseScopeToken(s.provisionerKey(), bearerToken(r), scope); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

// handleRecordingPush upgrades to WebSocket and streams the client's bytes
// into the recording allocated for the session.
func (s *Server) handleRecordingPush(w http.ResponseWriter, r *http.Request) {
	claims, err := token.ParseRecordingToken(s.provisionerKey(), bearerToken(r))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "bad session id", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Debug("websocket accept", "error", err)
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	// Process shutdown cancels in-flight pushes.
	stop := context.AfterFunc(s.baseCtx, cancel)
	defer stop()

	push := &recording.ClientPush{
		Recordings:   s.Recordings,
		Claims:       claims,
		ClientStream: websocket.NetConn(ctx, conn, websocket.MessageBinary),
		FileType:     claims.FileType,
		SessionID:    id,
	}

	s.pushers.Add(1)
	defer s.pushers.Done()

	if err := push.Run(ctx); err != nil {
		slog.Error("recording push failed", "id", id, "error", err)
		conn.Close(websocket.StatusInternalError, "recording failed")
		return
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

// handleSessionStart is called by the proxy layer once a session token has
// been validated and the data plane is up.
func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	claims, err := token.ParseSessionToken(s.provisionerKey(), bearerToken(r))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	info := session.InfoFromClaims(claims)
	s.StartSession(info, nil)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(info); err != nil {
		slog.Debug("write response", "error", err)
	}
}

func (s *Server) handleSessionEnd(w http.ResponseWriter, r *http.Request) {
	claims, err := token.ParseSessionToken(s.provisionerKey(), bearerToken(r))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "bad session id", http.StatusBadRequest)
		return
	}
	if id != claims.AssociationID {
		http.Error(w, "token does not match session", http.StatusForbidden)
		return
	}

	s.EndSession(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.Registry.Snapshot())
}

func (s *Server) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	if s.History == nil {
		http.Error(w, "history is not configured", http.StatusNotFound)
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "bad limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	entries, err := s.History.Recent(limit)
	if err != nil {
		slog.Error("query session history", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	writeJSON(w, entries)
}

func (s *Server) handleRecordingCount(w http.ResponseWriter, r *http.Request) {
	count, err := s.Recordings.GetCount(r.Context())
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]int{"count": count})
}

func (s *Server) handleRecordingState(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "bad session id", http.StatusBadRequest)
		return
	}

	st, err := s.Recordings.GetState(r.Context(), id)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if st == nil {
		http.Error(w, "no ongoing recording", http.StatusNotFound)
		return
	}

	resp := map[string]any{"state": st.Kind.String()}
	if st.Kind == recording.StateLastSeen {
		resp["lastSeen"] = st.LastSeen
	}
	writeJSON(w, resp)
}
