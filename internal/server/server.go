// Package server is the HTTP/WS boundary over the terminal engine,
// task tracker, agent launcher, tunnel manager, and codex sessions.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/vultuk/agentrix/internal/agent"
	"github.com/vultuk/agentrix/internal/bus"
	"github.com/vultuk/agentrix/internal/codex"
	gitpkg "github.com/vultuk/agentrix/internal/git"
	"github.com/vultuk/agentrix/internal/notify"
	"github.com/vultuk/agentrix/internal/task"
	"github.com/vultuk/agentrix/internal/term"
	"github.com/vultuk/agentrix/internal/tunnel"
)

type Server struct {
	engine   *term.Engine
	tasks    *task.Tracker
	launcher *agent.Launcher
	tunnels  *tunnel.Manager
	codex    *codex.Engine
	git      *gitpkg.Manager
	notify   *notify.Manager
	bus      *bus.Bus

	logger  *slog.Logger
	httpSrv *http.Server
	workdir string
	version string
}

type Config struct {
	Addr    string
	Workdir string
	Version string
	Logger  *slog.Logger

	Bus      *bus.Bus
	Engine   *term.Engine
	Tasks    *task.Tracker
	Launcher *agent.Launcher
	Tunnels  *tunnel.Manager
	Codex    *codex.Engine
	Git      *gitpkg.Manager
	Notify   *notify.Manager
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		engine:   cfg.Engine,
		tasks:    cfg.Tasks,
		launcher: cfg.Launcher,
		tunnels:  cfg.Tunnels,
		codex:    cfg.Codex,
		git:      cfg.Git,
		notify:   cfg.Notify,
		bus:      cfg.Bus,
		logger:   logger,
		workdir:  cfg.Workdir,
		version:  cfg.Version,
	}

	// Mirror task completions to push subscribers; session exits are not
	// pushed.
	if s.notify != nil && s.bus != nil {
		s.bus.Subscribe(bus.TopicTasksUpdate, func(payload any) {
			ev, ok := payload.(task.Event)
			if !ok {
				return
			}
			snap, ok := ev.Task.(task.Snapshot)
			if !ok || !snap.Status.Terminal() {
				return
			}
			body, _ := json.Marshal(map[string]any{
				"type":   "task_" + string(snap.Status),
				"taskId": snap.ID,
				"title":  snap.Title,
			})
			s.notify.Send(body, "Task "+snap.Title+" "+string(snap.Status))
		})
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/info", s.handleInfo)

	// Terminal sessions
	mux.HandleFunc("GET /api/v1/sessions", s.handleListSessions)
	mux.HandleFunc("POST /api/v1/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", s.handleDisposeSession)
	mux.HandleFunc("GET /api/v1/ws", s.handleSessionWS)
	mux.HandleFunc("GET /api/v1/ws/events", s.handleEventsWS)

	// Worktrees
	mux.HandleFunc("POST /api/v1/worktrees", s.handleCreateWorktree)
	mux.HandleFunc("DELETE /api/v1/worktrees/{org}/{repo}/{branch}", s.handleRemoveWorktree)
	mux.HandleFunc("DELETE /api/v1/worktrees/{org}/{repo}", s.handleDisposeRepository)

	// Tasks
	mux.HandleFunc("GET /api/v1/tasks", s.handleListTasks)
	mux.HandleFunc("GET /api/v1/tasks/{id}", s.handleGetTask)

	// Agent launch
	mux.HandleFunc("POST /api/v1/agents", s.handleLaunchAgent)

	// Port tunnels
	mux.HandleFunc("GET /api/v1/ports", s.handleListPorts)
	mux.HandleFunc("GET /api/v1/tunnels", s.handleListTunnels)
	mux.HandleFunc("POST /api/v1/tunnels", s.handleOpenTunnel)
	mux.HandleFunc("DELETE /api/v1/tunnels/{port}", s.handleCloseTunnel)

	// Codex sessions
	mux.HandleFunc("GET /api/v1/codex/sessions", s.handleListCodexSessions)
	mux.HandleFunc("POST /api/v1/codex/sessions", s.handleCreateCodexSession)
	mux.HandleFunc("POST /api/v1/codex/sessions/{id}/messages", s.handleCodexMessage)
	mux.HandleFunc("GET /api/v1/codex/sessions/{id}/events", s.handleCodexEvents)
	mux.HandleFunc("DELETE /api/v1/codex/sessions/{id}", s.handleDeleteCodexSession)

	// Web Push notifications
	mux.HandleFunc("GET /api/v1/push/vapid", s.handleVAPIDKey)
	mux.HandleFunc("POST /api/v1/push/subscribe", s.handlePushSubscribe)
	mux.HandleFunc("POST /api/v1/push/unsubscribe", s.handlePushUnsubscribe)

	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1MB
	}

	return s
}

func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("server started", "addr", ln.Addr().String())
	return s.httpSrv.Serve(ln)
}

func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down...")
	if s.tunnels != nil {
		s.tunnels.CloseAll()
	}
	s.engine.DisposeAll()
	return s.httpSrv.Shutdown(ctx)
}

// --- API handlers ---

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	hostname, _ := os.Hostname()
	homeDir, _ := os.UserHomeDir()
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"version":  s.version,
		"hostname": hostname,
		"homeDir":  homeDir,
		"workdir":  s.workdir,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]any{"worktrees": s.engine.Summaries()})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Org      string `json:"org"`
		Repo     string `json:"repo"`
		Branch   string `json:"branch"`
		Mode     string `json:"mode"`
		ForceNew bool   `json:"forceNew"`
		Tool     string `json:"tool"`
		Kind     string `json:"kind"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	if req.Org == "" || req.Repo == "" || req.Branch == "" {
		writeError(w, http.StatusPreconditionFailed, "precondition_failed", "org, repo and branch are required")
		return
	}

	sess, created, err := s.engine.GetOrCreate(s.workdir, req.Org, req.Repo, req.Branch, term.CreateOptions{
		Mode:     term.Mode(req.Mode),
		ForceNew: req.ForceNew,
		Tool:     term.Tool(req.Tool),
		Kind:     term.Kind(req.Kind),
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"session": sess.Snapshot(),
		"created": created,
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, ok := s.engine.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "session not found: "+id)
		return
	}
	writeJSONResponse(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) handleDisposeSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.engine.Dispose(id); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleDisposeRepository(w http.ResponseWriter, r *http.Request) {
	s.engine.DisposeSessionsForRepository(r.PathValue("org"), r.PathValue("repo"))
	writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleCreateWorktree runs worktree creation as a tracked task so the
// UI can follow its steps.
func (s *Server) handleCreateWorktree(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Org     string `json:"org"`
		Repo    string `json:"repo"`
		Branch  string `json:"branch"`
		BaseRef string `json:"baseRef"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	if req.Org == "" || req.Repo == "" || req.Branch == "" {
		writeError(w, http.StatusPreconditionFailed, "precondition_failed", "org, repo and branch are required")
		return
	}

	// The task outlives the request: detach from its cancellation.
	taskCtx := context.WithoutCancel(r.Context())
	snap := s.tasks.RunTask(task.Spec{
		Type:  "create-worktree",
		Title: "Create worktree " + req.Org + "/" + req.Repo + "@" + req.Branch,
		Metadata: map[string]any{
			"org": req.Org, "repo": req.Repo, "branch": req.Branch,
		},
	}, func(ctx *task.Context) (any, error) {
		p := ctx.Progress()
		p.StartStep("create", "Create worktree")
		path, err := s.git.CreateWorktree(taskCtx, s.workdir, req.Org, req.Repo, req.Branch, req.BaseRef)
		if err != nil {
			p.FailStep("create")
			return nil, err
		}
		p.CompleteStep("create")
		return map[string]any{"worktreePath": path}, nil
	})

	writeJSONResponse(w, http.StatusAccepted, map[string]any{"task": snap})
}

func (s *Server) handleRemoveWorktree(w http.ResponseWriter, r *http.Request) {
	org, repo, branch := r.PathValue("org"), r.PathValue("repo"), r.PathValue("branch")
	if err := s.git.RemoveWorktree(r.Context(), s.workdir, org, repo, branch); err != nil {
		switch {
		case errors.Is(err, gitpkg.ErrProtectedBranch):
			writeError(w, http.StatusPreconditionFailed, "precondition_failed", err.Error())
		case errors.Is(err, gitpkg.ErrWorktreeNotFound):
			writeError(w, http.StatusNotFound, "not_found", err.Error())
		default:
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		}
		return
	}
	s.engine.DisposeSessionByKey(term.SessionKey(org, repo, branch))
	writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]any{"tasks": s.tasks.ListTasks()})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snap, ok := s.tasks.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "task not found: "+id)
		return
	}
	writeJSONResponse(w, http.StatusOK, snap)
}

func (s *Server) handleLaunchAgent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Command string `json:"command"`
		Org     string `json:"org"`
		Repo    string `json:"repo"`
		Branch  string `json:"branch"`
		Prompt  string `json:"prompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}

	res, err := s.launcher.LaunchAgentProcess(agent.LaunchSpec{
		Command: req.Command,
		Workdir: s.workdir,
		Org:     req.Org,
		Repo:    req.Repo,
		Branch:  req.Branch,
		Prompt:  req.Prompt,
	})
	if err != nil {
		switch {
		case errors.Is(err, agent.ErrMissingCommand), errors.Is(err, agent.ErrMissingTarget):
			writeError(w, http.StatusPreconditionFailed, "precondition_failed", err.Error())
		case errors.Is(err, gitpkg.ErrWorktreeNotFound):
			writeError(w, http.StatusNotFound, "not_found", err.Error())
		default:
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		}
		return
	}
	writeJSONResponse(w, http.StatusOK, res)
}

func (s *Server) handleListPorts(w http.ResponseWriter, r *http.Request) {
	ports, err := s.tunnels.ListPorts()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"ports": ports})
}

func (s *Server) handleListTunnels(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]any{"tunnels": s.tunnels.List()})
}

func (s *Server) handleOpenTunnel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Port int `json:"port"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	tun, err := s.tunnels.Open(r.Context(), req.Port)
	if err != nil {
		if errors.Is(err, tunnel.ErrNoAuthToken) {
			writeError(w, http.StatusPreconditionFailed, "precondition_failed", err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, tun)
}

func (s *Server) handleCloseTunnel(w http.ResponseWriter, r *http.Request) {
	port, err := strconv.Atoi(r.PathValue("port"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid port")
		return
	}
	if err := s.tunnels.Close(port); err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleListCodexSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sessions, err := s.codex.ListSessions(s.workdir, q.Get("org"), q.Get("repo"), q.Get("branch"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleCreateCodexSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Org    string `json:"org"`
		Repo   string `json:"repo"`
		Branch string `json:"branch"`
		Label  string `json:"label"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	sess, err := s.codex.CreateSession(r.Context(), s.workdir, req.Org, req.Repo, req.Branch, req.Label)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, sess)
}

func (s *Server) handleCodexMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	err := s.codex.SendUserMessage(r.PathValue("id"), req.Text)
	switch {
	case errors.Is(err, codex.ErrEmptyMessage):
		writeError(w, http.StatusPreconditionFailed, "precondition_failed", err.Error())
	case errors.Is(err, codex.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case err != nil:
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
	default:
		writeJSONResponse(w, http.StatusAccepted, map[string]bool{"ok": true})
	}
}

func (s *Server) handleCodexEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.codex.Events(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleDeleteCodexSession(w http.ResponseWriter, r *http.Request) {
	if err := s.codex.DeleteSession(r.PathValue("id")); err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

// --- Web Push handlers ---

func (s *Server) handleVAPIDKey(w http.ResponseWriter, r *http.Request) {
	if s.notify == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "push notifications not configured")
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{
		"publicKey": s.notify.VAPIDPublicKey(),
	})
}

func (s *Server) handlePushSubscribe(w http.ResponseWriter, r *http.Request) {
	if s.notify == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "push notifications not configured")
		return
	}
	var sub webpush.Subscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid subscription")
		return
	}
	s.notify.Subscribe(&sub)
	writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handlePushUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if s.notify == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "push notifications not configured")
		return
	}
	var req struct {
		Endpoint string `json:"endpoint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request")
		return
	}
	s.notify.Unsubscribe(req.Endpoint)
	writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

// --- helpers ---

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, term.ErrNotFound), errors.Is(err, codex.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, term.ErrTmuxUnavailable):
		writeError(w, http.StatusPreconditionFailed, "precondition_failed", err.Error())
	case errors.Is(err, gitpkg.ErrWorktreeNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, gitpkg.ErrWorktreeExists):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	default:
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
	}
}

func writeJSONResponse(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSONResponse(w, status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
