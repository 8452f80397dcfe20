package term

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/vultuk/agentrix/internal/bus"
)

// Mode selects the backing for a new session.
type Mode string

const (
	ModeAuto Mode = "auto"
	ModeTmux Mode = "tmux"
	ModePty  Mode = "pty"
)

var (
	ErrNotFound        = errors.New("session not found")
	ErrTmuxUnavailable = errors.New("tmux is not available")
)

// CreateOptions tunes GetOrCreate. Zero values mean: auto mode,
// interactive terminal, reuse allowed.
type CreateOptions struct {
	Mode     Mode
	ForceNew bool
	Tool     Tool
	Kind     Kind
}

// WorktreeResolver resolves the worktree path for a triple. It is the
// engine's only contact with git.
type WorktreeResolver func(workdir, org, repo, branch string) (string, error)

// RosterPersister receives every roster snapshot the engine emits.
type RosterPersister interface {
	Persist(summaries []WorktreeSessionSummary)
	Load() ([]WorktreeSessionSummary, error)
}

// EngineConfig wires the engine's collaborators. Zero-value durations
// get production defaults.
type EngineConfig struct {
	Tmux    *Tmux
	Spawn   SpawnFunc
	Resolve WorktreeResolver
	Bus     *bus.Bus
	Store   RosterPersister
	Logger  *slog.Logger

	ReadyDelay    time.Duration // readiness timer, default 150ms
	KillDelay     time.Duration // SIGTERM→SIGKILL, default 2s
	IdleInterval  time.Duration // sweeper period, default 5s
	IdleThreshold time.Duration // idle after, default 90s
}

// Engine owns every live terminal session: creation and reuse, the
// readiness protocol, input queueing, output fan-out, idle detection,
// disposal, and tmux-backed rehydration after restart.
type Engine struct {
	registry *Registry
	tmux     *Tmux
	spawn    SpawnFunc
	resolve  WorktreeResolver
	bus      *bus.Bus
	store    RosterPersister
	logger   *slog.Logger

	readyDelay    time.Duration
	killDelay     time.Duration
	idleInterval  time.Duration
	idleThreshold time.Duration

	mu             sync.Mutex
	sweeperStop    chan struct{}
	suppressFlush  bool
	shutdownKill   bool
	rehydratedOnce bool
}

func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tmux == nil {
		cfg.Tmux = NewTmux()
	}
	if cfg.Spawn == nil {
		cfg.Spawn = Spawn
	}
	if cfg.ReadyDelay == 0 {
		cfg.ReadyDelay = 150 * time.Millisecond
	}
	if cfg.KillDelay == 0 {
		cfg.KillDelay = 2 * time.Second
	}
	if cfg.IdleInterval == 0 {
		cfg.IdleInterval = 5 * time.Second
	}
	if cfg.IdleThreshold == 0 {
		cfg.IdleThreshold = 90 * time.Second
	}
	return &Engine{
		registry:      NewRegistry(),
		tmux:          cfg.Tmux,
		spawn:         cfg.Spawn,
		resolve:       cfg.Resolve,
		bus:           cfg.Bus,
		store:         cfg.Store,
		logger:        cfg.Logger,
		readyDelay:    cfg.ReadyDelay,
		killDelay:     cfg.KillDelay,
		idleInterval:  cfg.IdleInterval,
		idleThreshold: cfg.IdleThreshold,
	}
}

// Registry exposes the session registry for read-side collaborators.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Get looks a session up by id.
func (e *Engine) Get(id string) (*Session, bool) {
	return e.registry.Get(id)
}

// GetOrCreate returns a session for the worktree triple, reusing an
// existing one where the reuse policy allows, or spawning a fresh PTY or
// tmux client. The bool reports whether a session was created.
func (e *Engine) GetOrCreate(workdir, org, repo, branch string, opts CreateOptions) (*Session, bool, error) {
	if opts.Mode == "" {
		opts.Mode = ModeAuto
	}
	if opts.Tool == "" {
		opts.Tool = ToolTerminal
	}
	if opts.Kind == "" {
		opts.Kind = KindInteractive
	}
	if opts.Mode == ModeTmux && !e.tmux.Available() {
		return nil, false, ErrTmuxUnavailable
	}

	worktree, err := e.resolve(workdir, org, repo, branch)
	if err != nil {
		return nil, false, err
	}

	key := SessionKey(org, repo, branch)
	tmuxAllowed := opts.Mode != ModePty && e.tmux.Available()

	if !opts.ForceNew {
		var automationFallback *Session
		for _, s := range e.registry.ByKey(key) {
			if s.Closed() {
				continue
			}
			if s.Kind == KindAutomation {
				if automationFallback == nil {
					automationFallback = s
				}
				continue
			}
			if s.UsingTmux && tmuxAllowed {
				return s, false, nil
			}
		}
		if automationFallback != nil {
			return automationFallback, false, nil
		}
	}

	s, err := e.createSession(worktree, org, repo, branch, opts)
	if err != nil {
		return nil, false, err
	}
	return s, true, nil
}

// CreateIsolatedTerminalSession always spawns a new automation session
// for the triple, tmux-backed when tmux is available so external agents
// can be re-attached for observability.
func (e *Engine) CreateIsolatedTerminalSession(workdir, org, repo, branch string) (*Session, error) {
	worktree, err := e.resolve(workdir, org, repo, branch)
	if err != nil {
		return nil, err
	}
	return e.createSession(worktree, org, repo, branch, CreateOptions{
		Mode: ModeAuto,
		Tool: ToolAgent,
		Kind: KindAutomation,
	})
}

func (e *Engine) createSession(worktree, org, repo, branch string, opts CreateOptions) (*Session, error) {
	useTmux := opts.Mode == ModeTmux || (opts.Mode == ModeAuto && e.tmux.Available())

	now := time.Now()
	s := &Session{
		ID:             uuid.New().String(),
		Org:            org,
		Repo:           repo,
		Branch:         branch,
		Key:            SessionKey(org, repo, branch),
		Kind:           opts.Kind,
		Tool:           opts.Tool,
		UsingTmux:      useTmux,
		WorktreePath:   worktree,
		log:            NewRingBuffer(MaxTerminalBuffer),
		watchers:       make(map[*Watcher]struct{}),
		createdAt:      now,
		lastActivityAt: now,
		cols:           DefaultCols,
		rows:           DefaultRows,
		done:           make(chan struct{}),
	}

	// Register first: forced-unique tmux names derive from the label.
	e.registry.Add(s)

	var argv []string
	if useTmux {
		name := TmuxSessionName(org, repo, branch)
		if opts.ForceNew {
			name = TmuxSessionNameWithLabel(org, repo, branch, s.Label)
		}
		s.TmuxSessionName = name
		argv = e.tmux.ClientArgv(name, worktree)
	}

	p, err := e.spawn(SpawnConfig{
		Dir:    worktree,
		Argv:   argv,
		Cols:   DefaultCols,
		Rows:   DefaultRows,
		OnData: func(chunk []byte) { e.handleData(s, chunk) },
		OnExit: func(code int, signal string) { e.handleExit(s, code, signal, "") },
	})
	if err != nil {
		e.registry.Remove(s.ID)
		return nil, fmt.Errorf("failed to start session: %w", err)
	}

	s.mu.Lock()
	s.pty = p
	s.pid = p.Pid()
	s.readyTimer = time.AfterFunc(e.readyDelay, func() { e.markReady(s) })
	s.mu.Unlock()

	e.ensureSweeper()
	e.flushRoster()
	e.logger.Info("session created", "id", s.ID, "key", s.Key, "label", s.Label, "tmux", s.TmuxSessionName)
	return s, nil
}

// handleData is the per-session output path: activity, log, readiness,
// then fan-out, all on the producer goroutine, which yields the
// per-session delivery ordering guarantee.
func (e *Engine) handleData(s *Session, chunk []byte) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.lastActivityAt = time.Now()
	wasIdle := s.idle
	s.idle = false
	wasReady := s.ready
	s.mu.Unlock()

	s.log.Write(chunk)

	if !wasReady {
		e.markReady(s)
	}
	s.broadcastBinary(chunk)

	if wasIdle {
		e.flushRoster()
	}
}

// markReady completes the readiness protocol: the pending input queue is
// flushed in insertion order, then the ready frame goes to every watcher.
// Both the 150ms timer and the first output chunk land here; only the
// first wins.
func (e *Engine) markReady(s *Session) {
	s.mu.Lock()
	if s.ready || s.closed {
		s.mu.Unlock()
		return
	}
	s.ready = true
	if s.readyTimer != nil {
		s.readyTimer.Stop()
		s.readyTimer = nil
	}
	pending := s.pendingInputs
	s.pendingInputs = nil
	p := s.pty
	cols, rows := s.cols, s.rows
	s.mu.Unlock()

	for _, in := range pending {
		if p != nil {
			// Write failures are swallowed; the exit handler surfaces
			// the truth.
			_, _ = p.Write(in)
		}
	}

	s.broadcastControl(ReadyFrame{
		Type: "ready",
		Log:  string(s.log.Bytes()),
		Cols: int(cols),
		Rows: int(rows),
	})

	e.flushRoster()
}

// EnqueueInput delivers input to the session, queueing it while the
// session is not yet ready. Input to a closed session is silently
// dropped.
func (e *Engine) EnqueueInput(id string, data []byte) error {
	s, ok := e.registry.Get(id)
	if !ok {
		return ErrNotFound
	}
	e.enqueue(s, data)
	return nil
}

func (e *Engine) enqueue(s *Session, data []byte) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.lastActivityAt = time.Now()
	wasIdle := s.idle
	s.idle = false
	if !s.ready {
		buf := make([]byte, len(data))
		copy(buf, data)
		s.pendingInputs = append(s.pendingInputs, buf)
		s.mu.Unlock()
		if wasIdle {
			e.flushRoster()
		}
		return
	}
	p := s.pty
	s.mu.Unlock()

	if p != nil {
		_, _ = p.Write(data)
	}
	if wasIdle {
		e.flushRoster()
	}
}

// Resize updates the PTY geometry and, for tmux-backed sessions, the
// tmux window. Repeated identical dimensions are deduplicated.
func (e *Engine) Resize(id string, cols, rows uint16) error {
	s, ok := e.registry.Get(id)
	if !ok {
		return ErrNotFound
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	prevCols, prevRows := s.cols, s.rows
	p := s.pty
	tmuxName := ""
	if s.UsingTmux {
		tmuxName = s.TmuxSessionName
	}
	s.mu.Unlock()

	if cols == prevCols && rows == prevRows {
		return nil
	}
	if p != nil {
		if err := p.Resize(cols, rows); err != nil {
			return err
		}
	}
	if tmuxName != "" {
		if err := e.tmux.ResizeWindow(tmuxName, cols, rows); err != nil {
			e.logger.Debug("tmux resize failed", "session", tmuxName, "err", err)
			return nil
		}
	}
	s.mu.Lock()
	s.cols, s.rows = cols, rows
	s.mu.Unlock()
	return nil
}

// Attach adds a watcher stream to the session. If the session is already
// ready, the watcher receives its ready frame immediately.
func (e *Engine) Attach(id string, stream Stream) error {
	s, ok := e.registry.Get(id)
	if !ok {
		return ErrNotFound
	}
	w := s.addWatcher(stream)
	if w == nil {
		return ErrNotFound
	}
	s.mu.Lock()
	ready := s.ready
	cols, rows := s.cols, s.rows
	s.mu.Unlock()
	if ready {
		if !s.trySendControl(w, ReadyFrame{
			Type: "ready",
			Log:  string(s.log.Bytes()),
			Cols: int(cols),
			Rows: int(rows),
		}) {
			s.evictWatcher(w)
		}
	}
	return nil
}

// handleExit finalises a session once its process has terminated, from
// any path: spontaneous exit, dispose, or spawn-side failure.
func (e *Engine) handleExit(s *Session, code int, signal, errMsg string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.exitCode = &code
	s.exitSignal = signal
	s.exitError = errMsg
	s.pendingInputs = nil
	if s.readyTimer != nil {
		s.readyTimer.Stop()
		s.readyTimer = nil
	}
	p := s.pty
	s.pty = nil
	s.mu.Unlock()

	if p != nil {
		_ = p.Close()
	}

	frame := ExitFrame{Type: "exit", Code: &code}
	if signal != "" {
		frame.Signal = signal
	}
	if errMsg != "" {
		frame.Error = errMsg
	}
	s.closeWatchers(frame)

	e.registry.Remove(s.ID)
	close(s.done)

	e.flushRoster()
	e.logger.Info("session exited", "id", s.ID, "code", code, "signal", signal)
}

// Dispose terminates the session: SIGTERM, SIGKILL after the configured
// delay, then awaits the exit event.
func (e *Engine) Dispose(id string) error {
	s, ok := e.registry.Get(id)
	if !ok {
		return ErrNotFound
	}
	e.dispose(s)
	return nil
}

func (e *Engine) dispose(s *Session) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	p := s.pty
	s.mu.Unlock()

	e.mu.Lock()
	killDelay := e.killDelay
	if e.shutdownKill {
		killDelay = 0
	}
	e.mu.Unlock()

	if p != nil {
		_ = p.Signal(syscall.SIGTERM)
		if killDelay <= 0 {
			_ = p.Signal(syscall.SIGKILL)
		} else {
			kill := time.AfterFunc(killDelay, func() {
				_ = p.Signal(syscall.SIGKILL)
			})
			defer kill.Stop()
		}
	}
	<-s.done
}

// DisposeAll tears every session down, suppressing per-step persistence;
// one empty-roster persist happens at the very end. Used at shutdown.
func (e *Engine) DisposeAll() {
	e.mu.Lock()
	e.suppressFlush = true
	e.shutdownKill = true
	e.mu.Unlock()

	for _, s := range e.registry.All() {
		e.dispose(s)
	}

	e.mu.Lock()
	e.suppressFlush = false
	e.shutdownKill = false
	e.mu.Unlock()
	e.flushRoster()
}

// DisposeSessionsForRepository disposes every session owned by the
// (org, repo) pair.
func (e *Engine) DisposeSessionsForRepository(org, repo string) {
	for _, s := range e.registry.All() {
		if s.Org == org && s.Repo == repo {
			e.dispose(s)
		}
	}
}

// DisposeSessionByKey disposes every session in one key bucket.
func (e *Engine) DisposeSessionByKey(key string) {
	for _, s := range e.registry.ByKey(key) {
		e.dispose(s)
	}
}

// Summaries derives the roster snapshot: one entry per key with at least
// one live session; idle is the AND across members, lastActivityAt the
// max.
func (e *Engine) Summaries() []WorktreeSessionSummary {
	var out []WorktreeSessionSummary
	for _, key := range e.registry.Keys() {
		sessions := e.registry.ByKey(key)
		var snaps []SessionSnapshot
		allIdle := true
		var lastActivity time.Time
		var org, repo, branch string
		for _, s := range sessions {
			if s.Closed() {
				continue
			}
			snap := s.Snapshot()
			org, repo, branch = snap.Org, snap.Repo, snap.Branch
			if !snap.Idle {
				allIdle = false
			}
			s.mu.Lock()
			if s.lastActivityAt.After(lastActivity) {
				lastActivity = s.lastActivityAt
			}
			s.mu.Unlock()
			snaps = append(snaps, snap)
		}
		if len(snaps) == 0 {
			continue
		}
		out = append(out, WorktreeSessionSummary{
			Org:            org,
			Repo:           repo,
			Branch:         branch,
			Idle:           allIdle,
			LastActivityAt: lastActivity.UTC().Format(time.RFC3339),
			Sessions:       snaps,
		})
	}
	return out
}

// flushRoster emits the roster on the bus and hands it to the persister.
func (e *Engine) flushRoster() {
	e.mu.Lock()
	suppressed := e.suppressFlush
	e.mu.Unlock()
	if suppressed {
		return
	}
	summaries := e.Summaries()
	if e.bus != nil {
		e.bus.Emit(bus.TopicSessionsUpdate, summaries)
	}
	if e.store != nil {
		e.store.Persist(summaries)
	}
}

// --- idle detection ---

// ensureSweeper starts the process-wide idle sweeper if sessions exist
// and no sweeper is running. The sweeper self-stops when the registry
// drains.
func (e *Engine) ensureSweeper() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sweeperStop != nil || e.registry.Len() == 0 {
		return
	}
	stop := make(chan struct{})
	e.sweeperStop = stop
	go e.sweepLoop(stop)
}

func (e *Engine) sweepLoop(stop chan struct{}) {
	ticker := time.NewTicker(e.idleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if e.sweepOnce() {
				return
			}
		}
	}
}

// sweepOnce flips stale sessions to idle. Returns true when the sweeper
// should exit because no sessions remain.
func (e *Engine) sweepOnce() bool {
	sessions := e.registry.All()
	if len(sessions) == 0 {
		e.mu.Lock()
		e.sweeperStop = nil
		e.mu.Unlock()
		return true
	}
	cutoff := time.Now().Add(-e.idleThreshold)
	changed := false
	for _, s := range sessions {
		s.mu.Lock()
		if !s.closed && !s.idle && s.lastActivityAt.Before(cutoff) {
			s.idle = true
			changed = true
		}
		s.mu.Unlock()
	}
	if changed {
		e.flushRoster()
	}
	return false
}

// --- rehydration ---

// Rehydrate rebuilds tmux-backed sessions from the last persisted
// snapshot. It is idempotent and a no-op without tmux, without a store,
// or under mode=pty.
func (e *Engine) Rehydrate(workdir string, mode Mode) error {
	e.mu.Lock()
	if e.rehydratedOnce || e.registry.Len() > 0 {
		e.mu.Unlock()
		return nil
	}
	e.rehydratedOnce = true
	e.mu.Unlock()

	if mode == ModePty || e.store == nil {
		return nil
	}
	summaries, err := e.store.Load()
	if err != nil {
		e.logger.Warn("failed to load session snapshot, skipping rehydration", "err", err)
		return nil
	}
	if len(summaries) == 0 {
		return nil
	}
	if !e.tmux.Available() {
		return nil
	}

	restored := 0
	live := make(map[string]bool)
	for _, summary := range summaries {
		for _, snap := range summary.Sessions {
			if !snap.UsingTmux || snap.TmuxSessionName == "" {
				continue
			}
			has, err := e.tmux.HasSession(snap.TmuxSessionName)
			if err != nil {
				e.logger.Warn("tmux has-session failed during rehydration", "name", snap.TmuxSessionName, "err", err)
				continue
			}
			if !has {
				continue
			}
			if err := e.rehydrateOne(snap); err != nil {
				e.logger.Warn("failed to rehydrate session", "tmux", snap.TmuxSessionName, "err", err)
				continue
			}
			live[snap.TmuxSessionName] = true
			restored++
		}
	}

	e.cleanupOrphanedTmuxSessions(live)

	if restored > 0 {
		e.ensureSweeper()
		e.flushRoster()
		e.logger.Info("rehydrated tmux sessions", "count", restored)
	}
	return nil
}

// rehydrateOne re-attaches one snapshot entry by spawning a fresh PTY
// client for its tmux session. The session gets a fresh id; label and
// timestamps are restored from the snapshot.
func (e *Engine) rehydrateOne(snap SessionSnapshot) error {
	createdAt := time.Now()
	if t, err := time.Parse(time.RFC3339, snap.CreatedAt); err == nil {
		createdAt = t
	}
	lastActivity := createdAt
	if t, err := time.Parse(time.RFC3339, snap.LastActivityAt); err == nil {
		lastActivity = t
	}

	s := &Session{
		ID:              uuid.New().String(),
		Org:             snap.Org,
		Repo:            snap.Repo,
		Branch:          snap.Branch,
		Key:             SessionKey(snap.Org, snap.Repo, snap.Branch),
		Label:           snap.Label,
		Kind:            snap.Kind,
		Tool:            snap.Tool,
		UsingTmux:       true,
		TmuxSessionName: snap.TmuxSessionName,
		WorktreePath:    snap.WorktreePath,
		log:             NewRingBuffer(MaxTerminalBuffer),
		watchers:        make(map[*Watcher]struct{}),
		createdAt:       createdAt,
		lastActivityAt:  lastActivity,
		idle:            snap.Idle,
		cols:            DefaultCols,
		rows:            DefaultRows,
		done:            make(chan struct{}),
	}

	p, err := e.spawn(SpawnConfig{
		Dir:    snap.WorktreePath,
		Argv:   e.tmux.ClientArgv(snap.TmuxSessionName, snap.WorktreePath),
		Cols:   DefaultCols,
		Rows:   DefaultRows,
		OnData: func(chunk []byte) { e.handleData(s, chunk) },
		OnExit: func(code int, signal string) { e.handleExit(s, code, signal, "") },
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.pty = p
	s.pid = p.Pid()
	s.readyTimer = time.AfterFunc(e.readyDelay, func() { e.markReady(s) })
	s.mu.Unlock()

	e.registry.AddRestored(s)
	return nil
}

// cleanupOrphanedTmuxSessions kills managed tmux sessions that the
// loaded snapshot does not account for. Only called after a successful
// load, so a failed load can never mass-kill live sessions.
func (e *Engine) cleanupOrphanedTmuxSessions(live map[string]bool) {
	names, err := e.tmux.ListManagedSessions()
	if err != nil {
		e.logger.Debug("failed to list tmux sessions for cleanup", "err", err)
		return
	}
	for _, name := range names {
		if !live[name] {
			e.logger.Info("killing orphaned tmux session", "name", name)
			_ = e.tmux.KillSession(name)
		}
	}
}
