package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/seiler-io/jetgate/internal/config"
	"github.com/seiler-io/jetgate/internal/history"
	"github.com/seiler-io/jetgate/internal/recording"
	"github.com/seiler-io/jetgate/internal/session"
	"github.com/seiler-io/jetgate/internal/subscriber"
	"github.com/seiler-io/jetgate/internal/token"
)

const testKey = "0123456789abcdef0123456789abcdef"

type testGateway struct {
	srv     *Server
	http    *httptest.Server
	events  chan subscriber.Message
	recDir  string
	cancel  context.CancelFunc
	manDone chan error
	handle  recording.Handle
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()

	recDir := t.TempDir()
	handle, manager := recording.New(recDir)

	ctx, cancel := context.WithCancel(context.Background())
	manDone := make(chan error, 1)
	go func() { manDone <- manager.Run(ctx) }()

	store, err := history.Open(":memory:")
	if err != nil {
		t.Fatalf("open history: %v", err)
	}

	conf := config.NewHandle(&config.Config{ProvisionerKey: testKey})
	events := make(chan subscriber.Message, 64)

	srv := NewServer(ctx, conf, session.NewRegistry(), handle, store, events)
	ts := httptest.NewServer(srv)

	t.Cleanup(func() {
		ts.Close()
		srv.WaitPushers()
		cancel()
		handle.Close()
		select {
		case <-manDone:
		case <-time.After(5 * time.Second):
			t.Fatal("recording manager did not stop")
		}
		store.Close()
	})

	return &testGateway{srv: srv, http: ts, events: events, recDir: recDir, cancel: cancel, manDone: manDone, handle: handle}
}

func signClaims(t *testing.T, claims jwt.Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testKey))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func scopeToken(t *testing.T, scope string) string {
	return signClaims(t, &token.ScopeClaims{Scope: scope})
}

func doReq(t *testing.T, method, url, bearer string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealth(t *testing.T) {
	gw := newTestGateway(t)
	resp := doReq(t, "GET", gw.http.URL+"/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	gw := newTestGateway(t)
	id := uuid.New()

	sessTok := signClaims(t, &token.SessionClaims{
		AssociationID:       id,
		ApplicationProtocol: "rdp",
		DestinationHost:     "srv1:3389",
		ConnectionMode:      token.ModeForward,
	})

	resp := doReq(t, "POST", gw.http.URL+"/jet/sessions/start", sessTok)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start status = %d", resp.StatusCode)
	}

	select {
	case msg := <-gw.events:
		if msg.Kind != subscriber.KindSessionStarted || msg.Session.AssociationID != id {
			t.Fatalf("event = %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("no session.started event")
	}

	// Visible through the admin API.
	adminResp := doReq(t, "GET", gw.http.URL+"/jet/sessions", scopeToken(t, token.ScopeSessionsRead))
	if adminResp.StatusCode != http.StatusOK {
		t.Fatalf("sessions status = %d", adminResp.StatusCode)
	}
	var sessions []session.Info
	if err := json.NewDecoder(adminResp.Body).Decode(&sessions); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(sessions) != 1 || sessions[0].AssociationID != id {
		t.Fatalf("sessions = %+v", sessions)
	}

	endResp := doReq(t, "POST", gw.http.URL+"/jet/sessions/"+id.String()+"/end", sessTok)
	if endResp.StatusCode != http.StatusNoContent {
		t.Fatalf("end status = %d", endResp.StatusCode)
	}

	select {
	case msg := <-gw.events:
		if msg.Kind != subscriber.KindSessionEnded || msg.Session.AssociationID != id {
			t.Fatalf("event = %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("no session.ended event")
	}

	if gw.srv.Registry.Count() != 0 {
		t.Fatal("registry should be empty after end")
	}

	histResp := doReq(t, "GET", gw.http.URL+"/jet/sessions/history", scopeToken(t, token.ScopeSessionsRead))
	if histResp.StatusCode != http.StatusOK {
		t.Fatalf("history status = %d", histResp.StatusCode)
	}
	var entries []history.Entry
	if err := json.NewDecoder(histResp.Body).Decode(&entries); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(entries) != 1 || entries[0].AssociationID != id {
		t.Fatalf("history = %+v", entries)
	}
}

func TestSessionEndTokenMismatch(t *testing.T) {
	gw := newTestGateway(t)
	id := uuid.New()

	sessTok := signClaims(t, &token.SessionClaims{AssociationID: uuid.New(), ApplicationProtocol: "rdp"})
	resp := doReq(t, "POST", gw.http.URL+"/jet/sessions/"+id.String()+"/end", sessTok)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestAdminRequiresScope(t *testing.T) {
	gw := newTestGateway(t)

	if resp := doReq(t, "GET", gw.http.URL+"/jet/sessions", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d", resp.StatusCode)
	}
	wrong := scopeToken(t, token.ScopeRecordingsRead)
	if resp := doReq(t, "GET", gw.http.URL+"/jet/sessions", wrong); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong scope: status = %d", resp.StatusCode)
	}
}

func TestRecordingPushOverWebSocket(t *testing.T) {
	gw := newTestGateway(t)
	id := uuid.New()

	recTok := signClaims(t, &token.RecordingClaims{AssociationID: id, FileType: token.FileTypeWebM})
	wsURL := strings.Replace(gw.http.URL, "http://", "ws://", 1) +
		"/jet/rec/" + id.String() + "?token=" + recTok

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	payload := []byte("recorded session bytes")
	if err := conn.Write(ctx, websocket.MessageBinary, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := conn.Close(websocket.StatusNormalClosure, ""); err != nil {
		t.Fatalf("close: %v", err)
	}

	// The push finishes asynchronously; wait for the recording to settle
	// into the LastSeen state.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st, err := gw.handle.GetState(context.Background(), id)
		if err != nil {
			t.Fatalf("get state: %v", err)
		}
		if st != nil && st.Kind == recording.StateLastSeen {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	data, err := os.ReadFile(filepath.Join(gw.recDir, id.String(), "recording-0.webm"))
	if err != nil {
		t.Fatalf("read recording: %v", err)
	}
	if string(data) != string(payload) {
		t.Fatalf("recorded %q, want %q", data, payload)
	}

	// Admin state endpoint sees the TTL window.
	resp := doReq(t, "GET", gw.http.URL+"/jet/recordings/"+id.String()+"/state", scopeToken(t, token.ScopeRecordingsRead))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("state status = %d", resp.StatusCode)
	}
	var state map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if state["state"] != "lastSeen" {
		t.Fatalf("state = %v", state)
	}
}

func TestRecordingPushRejectsBadToken(t *testing.T) {
	gw := newTestGateway(t)
	resp := doReq(t, "GET", gw.http.URL+"/jet/rec/"+uuid.NewString(), "not-a-token")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestRecordingCountEndpoint(t *testing.T) {
	gw := newTestGateway(t)

	if _, err := gw.handle.Connect(context.Background(), uuid.New(), token.FileTypeWebM); err != nil {
		t.Fatalf("connect: %v", err)
	}

	resp := doReq(t, "GET", gw.http.URL+"/jet/recordings/count", scopeToken(t, token.ScopeRecordingsRead))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]int
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["count"] != 1 {
		t.Fatalf("count = %d", body["count"])
	}
}

func TestRecordingStateNotFound(t *testing.T) {
	gw := newTestGateway(t)
	resp := doReq(t, "GET", gw.http.URL+"/jet/recordings/"+uuid.NewString()+"/state", scopeToken(t, token.ScopeRecordingsRead))
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestEvictionHookTerminatesRecordedSessions(t *testing.T) {
	gw := newTestGateway(t)

	recorded := session.NewInfo()
	recorded.RecordingPolicy = true
	recCtx, recCancel := context.WithCancel(context.Background())
	gw.srv.StartSession(recorded, recCancel)
	<-gw.events

	plain := session.NewInfo()
	plainCtx, plainCancel := context.WithCancel(context.Background())
	gw.srv.StartSession(plain, plainCancel)
	<-gw.events

	gw.srv.HandleRecordingEvicted(recorded.AssociationID)
	gw.srv.HandleRecordingEvicted(plain.AssociationID)

	select {
	case <-recCtx.Done():
	case <-time.After(time.Second):
		t.Fatal("recorded session should be terminated on eviction")
	}
	select {
	case <-plainCtx.Done():
		t.Fatal("non-recorded session must not be terminated")
	default:
	}
}

func TestRateLimit(t *testing.T) {
	gw := newTestGateway(t)
	gw.srv.RateLimit = NewRateLimiter(1, 1)

	tok := scopeToken(t, token.ScopeSessionsRead)
	first := doReq(t, "GET", gw.http.URL+"/jet/sessions", tok)
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first status = %d", first.StatusCode)
	}
	second := doReq(t, "GET", gw.http.URL+"/jet/sessions", tok)
	if second.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second status = %d, want 429", second.StatusCode)
	}
	// Health stays unthrottled.
	if resp := doReq(t, "GET", gw.http.URL+"/health", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}
}

func TestHistoryLimitValidation(t *testing.T) {
	gw := newTestGateway(t)
	url := fmt.Sprintf("%s/jet/sessions/history?limit=%s", gw.http.URL, "abc")
	resp := doReq(t, "GET", url, scopeToken(t, token.ScopeSessionsRead))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		t.Fatalf("drain: %v", err)
	}
}
