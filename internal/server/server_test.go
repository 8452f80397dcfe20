package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"syscall"
	"testing"

	"github.com/vultuk/agentrix/internal/agent"
	"github.com/vultuk/agentrix/internal/bus"
	"github.com/vultuk/agentrix/internal/codex"
	gitpkg "github.com/vultuk/agentrix/internal/git"
	"github.com/vultuk/agentrix/internal/task"
	"github.com/vultuk/agentrix/internal/term"
	"github.com/vultuk/agentrix/internal/tunnel"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type nopPty struct {
	mu     sync.Mutex
	onExit func(int, string)
	dead   bool
}

func (p *nopPty) Write(b []byte) (int, error)      { return len(b), nil }
func (p *nopPty) Resize(cols, rows uint16) error   { return nil }
func (p *nopPty) Pid() int                         { return 1 }
func (p *nopPty) Close() error                     { return nil }
func (p *nopPty) Signal(sig syscall.Signal) error {
	p.mu.Lock()
	already := p.dead
	p.dead = true
	fn := p.onExit
	p.mu.Unlock()
	if !already && fn != nil {
		go fn(0, "")
	}
	return nil
}

type fakeStarter struct{}

type fakeThread struct{}

func (fakeThread) ID() string { return "th" }
func (fakeThread) RunStreamed(ctx context.Context, text string) (<-chan codex.ThreadEvent, error) {
	ch := make(chan codex.ThreadEvent)
	close(ch)
	return ch, nil
}

func (fakeStarter) StartThread(ctx context.Context, opts codex.ThreadOptions) (codex.Thread, error) {
	return fakeThread{}, nil
}

func newTestServer(t *testing.T) (*Server, *term.Engine) {
	t.Helper()
	logger := testLogger()
	eventBus := bus.New(logger)

	tmux := term.NewTmuxWithRunner(func(args ...string) ([]byte, error) {
		return nil, os.ErrNotExist
	})
	engine := term.NewEngine(term.EngineConfig{
		Tmux: tmux,
		Spawn: func(cfg term.SpawnConfig) (term.Pty, error) {
			return &nopPty{onExit: cfg.OnExit}, nil
		},
		Resolve: func(workdir, org, repo, branch string) (string, error) {
			if branch == "missing" {
				return "", gitpkg.ErrWorktreeNotFound
			}
			return workdir + "/" + org + "/" + repo + "/" + branch, nil
		},
		Bus:    eventBus,
		Logger: logger,
	})

	tracker := task.NewTracker(eventBus, logger)
	launcher := agent.NewLauncher(engine, tmux, nil, logger)
	tunnels := tunnel.NewManagerWithForward("", nil, logger)
	codexEngine := codex.NewEngine(codex.EngineConfig{
		Starter: fakeStarter{},
		Resolve: func(workdir, org, repo, branch string) (string, error) {
			return t.TempDir(), nil
		},
		Logger: logger,
	})

	srv := New(Config{
		Addr:     ":0",
		Workdir:  "/w",
		Version:  "test",
		Logger:   logger,
		Bus:      eventBus,
		Engine:   engine,
		Tasks:    tracker,
		Launcher: launcher,
		Tunnels:  tunnels,
		Codex:    codexEngine,
		Git:      gitpkg.NewManager(logger),
	})
	return srv, engine
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestCreateAndListSessions(t *testing.T) {
	srv, engine := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/sessions", map[string]any{
		"org": "acme", "repo": "widget", "branch": "main",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
	var created struct {
		Session term.SessionSnapshot `json:"session"`
		Created bool                 `json:"created"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if !created.Created || created.Session.ID == "" {
		t.Fatalf("created = %+v", created)
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/sessions", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var listed struct {
		Worktrees []term.WorktreeSessionSummary `json:"worktrees"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatal(err)
	}
	if len(listed.Worktrees) != 1 || len(listed.Worktrees[0].Sessions) != 1 {
		t.Fatalf("roster = %+v", listed.Worktrees)
	}

	_ = engine
}

func TestCreateSessionValidation(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/sessions", map[string]any{"org": "a"})
	if rec.Code != http.StatusPreconditionFailed {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestCreateSessionModeTmuxUnavailable(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/sessions", map[string]any{
		"org": "a", "repo": "r", "branch": "b", "mode": "tmux",
	})
	if rec.Code != http.StatusPreconditionFailed {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
}

func TestCreateSessionWorktreeMissing(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/sessions", map[string]any{
		"org": "a", "repo": "r", "branch": "missing",
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/api/v1/sessions/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Error.Code != "not_found" || body.Error.Message == "" {
		t.Fatalf("error body = %+v", body)
	}
}

func TestRemoveWorktreeRefusesMain(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodDelete, "/api/v1/worktrees/o/r/main", nil)
	if rec.Code != http.StatusPreconditionFailed {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
}

func TestLaunchAgentValidation(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/agents", map[string]any{
		"command": "  ", "org": "o", "repo": "r", "branch": "b",
	})
	if rec.Code != http.StatusPreconditionFailed {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
}

func TestLaunchAgentQueuesCommand(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/agents", map[string]any{
		"command": "agent --run", "org": "o", "repo": "r", "branch": "b",
		"prompt": "Generate diff",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
	var res agent.LaunchResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if !res.CreatedSession || res.SessionID == "" || res.Command != "agent --run" {
		t.Fatalf("result = %+v", res)
	}
}

func TestOpenTunnelWithoutToken(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/tunnels", map[string]any{"port": 3000})
	if rec.Code != http.StatusPreconditionFailed {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
}

func TestCodexSessionLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/codex/sessions", map[string]any{
		"org": "o", "repo": "r", "branch": "b",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("create status = %d body = %s", rec.Code, rec.Body)
	}
	var sess codex.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &sess); err != nil {
		t.Fatal(err)
	}
	if sess.Label != "Codex Session" {
		t.Fatalf("label = %q", sess.Label)
	}

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/codex/sessions/"+sess.ID+"/messages", map[string]any{"text": " "})
	if rec.Code != http.StatusPreconditionFailed {
		t.Fatalf("empty message status = %d", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodDelete, "/api/v1/codex/sessions/"+sess.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}
	rec = doJSON(t, srv, http.MethodGet, "/api/v1/codex/sessions/"+sess.ID+"/events", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("events status = %d", rec.Code)
	}
}

func TestDisposeSessionEndpoint(t *testing.T) {
	srv, engine := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/sessions", map[string]any{
		"org": "o", "repo": "r", "branch": "b",
	})
	var created struct {
		Session term.SessionSnapshot `json:"session"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}

	rec = doJSON(t, srv, http.MethodDelete, "/api/v1/sessions/"+created.Session.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
	if engine.Registry().Len() != 0 {
		t.Fatal("session not disposed")
	}
	if !errors.Is(engine.Dispose(created.Session.ID), term.ErrNotFound) {
		t.Fatal("second dispose must be not found")
	}
}
