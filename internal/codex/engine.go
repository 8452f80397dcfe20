package codex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// verboseEnvVar enables command-execution logging when truthy.
const verboseEnvVar = "CODEX_SDK_VERBOSE"

const defaultLabel = "Codex Session"

var ErrSessionNotFound = errors.New("codex session not found")
var ErrEmptyMessage = errors.New("message must not be empty")

// WorktreeResolver resolves a worktree path for a triple; shared with
// the terminal engine.
type WorktreeResolver func(workdir, org, repo, branch string) (string, error)

type session struct {
	mu   sync.Mutex
	meta Session

	thread Thread

	// turns is the per-session FIFO: exactly one turn runs at a time,
	// consumed by a single owner goroutine.
	turns chan string
	quit  chan struct{}

	// commandBuf accumulates streamed command output by item id.
	commandBuf map[string]*strings.Builder

	subSeq      int
	subscribers map[int]func(Event)
}

// Engine owns the per-worktree Codex session maps.
type Engine struct {
	mu       sync.Mutex
	sessions map[string]*session
	hydrated map[string]bool // by worktree path

	starter ThreadStarter
	store   *Store
	resolve WorktreeResolver
	model   string
	verbose bool
	logger  *slog.Logger
}

type EngineConfig struct {
	Starter ThreadStarter
	Store   *Store
	Resolve WorktreeResolver
	Model   string
	Logger  *slog.Logger
}

func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Store == nil {
		cfg.Store = NewStore()
	}
	return &Engine{
		sessions: make(map[string]*session),
		hydrated: make(map[string]bool),
		starter:  cfg.Starter,
		store:    cfg.Store,
		resolve:  cfg.Resolve,
		model:    cfg.Model,
		verbose:  truthy(os.Getenv(verboseEnvVar)),
		logger:   cfg.Logger,
	}
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// CreateSession starts an upstream thread pinned to the triple's
// worktree and persists the empty session.
func (e *Engine) CreateSession(ctx context.Context, workdir, org, repo, branch, label string) (Session, error) {
	worktree, err := e.resolve(workdir, org, repo, branch)
	if err != nil {
		return Session{}, err
	}
	if label == "" {
		label = defaultLabel
	}

	thread, err := e.starter.StartThread(ctx, ThreadOptions{
		WorkingDirectory: worktree,
		Model:            e.model,
	})
	if err != nil {
		return Session{}, fmt.Errorf("failed to start codex thread: %w", err)
	}

	s := &session{
		meta: Session{
			ID:           uuid.New().String(),
			Label:        label,
			WorktreePath: worktree,
			ThreadID:     thread.ID(),
			CreatedAt:    time.Now().UTC().Format(time.RFC3339),
		},
		thread:      thread,
		turns:       make(chan string, 16),
		quit:        make(chan struct{}),
		commandBuf:  make(map[string]*strings.Builder),
		subscribers: make(map[int]func(Event)),
	}

	e.mu.Lock()
	e.sessions[s.meta.ID] = s
	e.mu.Unlock()

	go e.turnLoop(s)

	e.persistSession(s)
	return s.snapshot(), nil
}

// SendUserMessage validates the text, records it in the transcript, and
// chains the turn onto the session's pending-turn queue.
func (e *Engine) SendUserMessage(sessionID, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	s, ok := e.get(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	select {
	case <-s.quit:
		// Hydrated transcript without a live thread, or deleted.
		return ErrSessionNotFound
	default:
	}

	e.appendEvent(s, Event{Type: EventUserMessage, Text: text})
	s.turns <- text
	return nil
}

// turnLoop is the single consumer of a session's turn queue.
func (e *Engine) turnLoop(s *session) {
	for {
		select {
		case <-s.quit:
			return
		case text := <-s.turns:
			e.runTurn(s, text)
		}
	}
}

func (e *Engine) runTurn(s *session, text string) {
	events, err := s.thread.RunStreamed(context.Background(), text)
	if err != nil {
		e.appendEvent(s, Event{Type: EventError, Text: err.Error()})
		return
	}
	for ev := range events {
		e.transform(s, ev)
	}
}

// transform maps one upstream event into zero or more transcript
// events.
func (e *Engine) transform(s *session, ev ThreadEvent) {
	switch ev.Type {
	case upThreadStarted:
		s.mu.Lock()
		s.meta.ThreadID = ev.ThreadID
		s.mu.Unlock()
		e.persistSession(s)

	case upItemStarted, upItemUpdated, upItemCompleted:
		if ev.Item == nil {
			return
		}
		switch ev.Item.Type {
		case itemReasoning:
			e.appendEvent(s, Event{
				Type:   EventThinking,
				Text:   ev.Item.Text,
				Status: itemStatus(ev.Type),
			})
		case itemAgentMessage:
			if ev.Type == upItemCompleted {
				e.appendEvent(s, Event{Type: EventAgentResponse, Text: ev.Item.Text})
			}
		case itemCommandExecution:
			if e.verbose {
				e.transformCommand(s, ev)
			}
		}

	case upTurnCompleted:
		e.appendEvent(s, Event{Type: EventUsage, Usage: ev.Usage})

	case upTurnFailed, upError:
		e.appendEvent(s, Event{Type: EventError, Text: ev.Error})
	}
}

func itemStatus(eventType string) string {
	switch eventType {
	case upItemStarted:
		return "started"
	case upItemUpdated:
		return "updated"
	default:
		return "completed"
	}
}

// transformCommand emits verbose-mode log events: the command line on
// start, streamed output deltas, and the exit disposition.
func (e *Engine) transformCommand(s *session, ev ThreadEvent) {
	item := ev.Item
	switch ev.Type {
	case upItemStarted:
		e.appendEvent(s, Event{Type: EventLog, Text: "$ " + item.Command})
	case upItemUpdated:
		if item.OutputDelta == "" {
			return
		}
		s.mu.Lock()
		buf := s.commandBuf[item.ID]
		if buf == nil {
			buf = &strings.Builder{}
			s.commandBuf[item.ID] = buf
		}
		buf.WriteString(item.OutputDelta)
		s.mu.Unlock()
		e.appendEvent(s, Event{Type: EventLog, Text: item.OutputDelta})
	case upItemCompleted:
		code := 0
		if item.ExitCode != nil {
			code = *item.ExitCode
		}
		s.mu.Lock()
		delete(s.commandBuf, item.ID)
		s.mu.Unlock()
		e.appendEvent(s, Event{Type: EventLog, Text: fmt.Sprintf("command exited with code %d", code)})
	}
}

// appendEvent stamps, appends, fans out, and persists one transcript
// event.
func (e *Engine) appendEvent(s *session, ev Event) {
	ev.ID = uuid.New().String()
	ev.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)

	s.mu.Lock()
	s.meta.Events = append(s.meta.Events, ev)
	subs := make([]func(Event), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
	e.persistSession(s)
}

// persistSession writes the session snapshot. The snapshot is taken and
// written under the session lock, so writes for one session run one
// after another and the last write carries the newest state.
func (e *Engine) persistSession(s *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.meta
	if err := e.store.Write(snap.WorktreePath, snap); err != nil {
		e.logger.Warn("failed to persist codex session", "id", snap.ID, "err", err)
	}
}

func (s *session) snapshot() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.meta
	out.Events = append([]Event(nil), s.meta.Events...)
	return out
}

// Subscribe registers fn for every future transcript event of the
// session; the return value unsubscribes.
func (e *Engine) Subscribe(sessionID string, fn func(Event)) (func(), error) {
	s, ok := e.get(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	s.mu.Lock()
	s.subSeq++
	id := s.subSeq
	s.subscribers[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subscribers, id)
		s.mu.Unlock()
	}, nil
}

// Events returns the session transcript.
func (e *Engine) Events(sessionID string) ([]Event, error) {
	s, ok := e.get(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.snapshot().Events, nil
}

// ListSessions hydrates stored sessions for the worktree (at most once
// per tuple) and returns the in-memory roster sorted by createdAt.
func (e *Engine) ListSessions(workdir, org, repo, branch string) ([]Session, error) {
	worktree, err := e.resolve(workdir, org, repo, branch)
	if err != nil {
		return nil, err
	}
	e.hydrate(worktree)

	e.mu.Lock()
	var out []Session
	for _, s := range e.sessions {
		snap := s.snapshot()
		if snap.WorktreePath == worktree {
			out = append(out, snap)
		}
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt == out[j].CreatedAt {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt < out[j].CreatedAt
	})
	return out, nil
}

// hydrate loads persisted sessions for a worktree once. Hydrated
// sessions have no live thread and are transcript-only: SendUserMessage
// rejects them with ErrSessionNotFound.
func (e *Engine) hydrate(worktree string) {
	e.mu.Lock()
	if e.hydrated[worktree] {
		e.mu.Unlock()
		return
	}
	e.hydrated[worktree] = true
	e.mu.Unlock()

	stored, err := e.store.List(worktree)
	if err != nil {
		e.logger.Warn("failed to hydrate codex sessions", "worktree", worktree, "err", err)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, meta := range stored {
		if _, exists := e.sessions[meta.ID]; exists {
			continue
		}
		s := &session{
			meta:        meta,
			turns:       make(chan string, 16),
			quit:        make(chan struct{}),
			commandBuf:  make(map[string]*strings.Builder),
			subscribers: make(map[int]func(Event)),
		}
		close(s.quit) // no live thread: sends are rejected
		e.sessions[meta.ID] = s
	}
}

// DeleteSession removes the session in-memory and on disk.
func (e *Engine) DeleteSession(sessionID string) error {
	e.mu.Lock()
	s, ok := e.sessions[sessionID]
	delete(e.sessions, sessionID)
	e.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	s.mu.Lock()
	select {
	case <-s.quit:
	default:
		close(s.quit)
	}
	worktree := s.meta.WorktreePath
	id := s.meta.ID
	s.mu.Unlock()

	return e.store.Delete(worktree, id)
}

func (e *Engine) get(id string) (*session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[id]
	return s, ok
}
