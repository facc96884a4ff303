package agentclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kandev/kandev/internal/common/logger"
	coreerrors "github.com/kandev/kandev/internal/core/errors"
	"github.com/kandev/kandev/internal/core/ports"
)

func ctxBg() context.Context { return context.Background() }

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	return log
}

func TestWaitForHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(time.Second, "X-Kandev-Token", nil, testLogger(t))
	ok := c.WaitForHealthy(ctxBg(), ports.Preview{URL: srv.URL}, time.Second)
	if !ok {
		t.Fatalf("expected healthy")
	}
}

func TestWaitForHealthyDown(t *testing.T) {
	c := New(100*time.Millisecond, "X-Kandev-Token", nil, testLogger(t))
	ok := c.WaitForHealthy(ctxBg(), ports.Preview{URL: "http://127.0.0.1:1"}, 100*time.Millisecond)
	if ok {
		t.Fatalf("expected unhealthy")
	}
}

func TestCreateSession(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("X-Kandev-Token")
		var req createSessionRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Title != "Discord thread 123" {
			t.Fatalf("unexpected title %q", req.Title)
		}
		json.NewEncoder(w).Encode(sessionResponse{ID: "sess-1"})
	}))
	defer srv.Close()

	c := New(time.Second, "X-Kandev-Token", nil, testLogger(t))
	id, err := c.CreateSession(ctxBg(), ports.Preview{URL: srv.URL, Token: "tok-abc"}, "Discord thread 123")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if id != "sess-1" {
		t.Fatalf("got id %q", id)
	}
	if gotAuth != "tok-abc" {
		t.Fatalf("auth header not forwarded, got %q", gotAuth)
	}
}

func TestSendPromptClassifiesSandboxDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("sandbox not found"))
	}))
	defer srv.Close()

	c := New(time.Second, "X-Kandev-Token", nil, testLogger(t))
	_, err := c.SendPrompt(ctxBg(), ports.Preview{URL: srv.URL}, "sess-1", "hi")
	if err == nil {
		t.Fatalf("expected error")
	}
	var ace *coreerrors.AgentClientError
	if !asAgentClientError(err, &ace) {
		t.Fatalf("expected *AgentClientError, got %T", err)
	}
	if ace.Kind != coreerrors.KindSandboxDown {
		t.Fatalf("expected sandbox-down, got %s", ace.Kind)
	}
}

func TestSendPromptSessionMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(time.Second, "X-Kandev-Token", nil, testLogger(t))
	_, err := c.SendPrompt(ctxBg(), ports.Preview{URL: srv.URL}, "sess-1", "hi")
	var ace *coreerrors.AgentClientError
	if !asAgentClientError(err, &ace) {
		t.Fatalf("expected *AgentClientError, got %T", err)
	}
	if ace.Kind != coreerrors.KindSessionMissing {
		t.Fatalf("expected session-missing, got %s", ace.Kind)
	}
}

func TestSessionExistsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(time.Second, "X-Kandev-Token", nil, testLogger(t))
	ok, err := c.SessionExists(ctxBg(), ports.Preview{URL: srv.URL}, "sess-1")
	if err != nil {
		t.Fatalf("SessionExists: %v", err)
	}
	if ok {
		t.Fatalf("expected false")
	}
}

func TestListSessions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(listSessionsResponse{Sessions: []sessionSummaryWire{
			{ID: "a", Title: "Discord thread 1"},
			{ID: "b", Title: "Discord thread 2"},
		}})
	}))
	defer srv.Close()

	c := New(time.Second, "X-Kandev-Token", nil, testLogger(t))
	sessions, err := c.ListSessions(ctxBg(), ports.Preview{URL: srv.URL}, 10)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 2 || sessions[0].ID != "a" {
		t.Fatalf("unexpected sessions: %+v", sessions)
	}
}

func TestTokenFromQuery(t *testing.T) {
	tok := tokenFromQuery("https://host.example/preview?foo=1&tkn=abc123")
	if tok != "abc123" {
		t.Fatalf("got %q", tok)
	}
	if tokenFromQuery("https://host.example/preview") != "" {
		t.Fatalf("expected empty token")
	}
}

func asAgentClientError(err error, target **coreerrors.AgentClientError) bool {
	if ace, ok := err.(*coreerrors.AgentClientError); ok {
		*target = ace
		return true
	}
	return false
}
