package term

import (
	"sync"
	"time"
)

// Kind distinguishes user-driven shells from sessions the automation
// plumbing owns.
type Kind string

const (
	KindInteractive Kind = "interactive"
	KindAutomation  Kind = "automation"
)

// Tool names what runs inside the session.
type Tool string

const (
	ToolTerminal Tool = "terminal"
	ToolAgent    Tool = "agent"
)

// SessionKey is the equivalence class over which reuse policies apply.
func SessionKey(org, repo, branch string) string {
	return org + "::" + repo + "::" + branch
}

// Session is a live PTY- or tmux-backed shell for one worktree triple.
// Lifecycle fields are mutated only by the Engine; everything external
// observes projections (Snapshot) or summary values on the bus.
type Session struct {
	mu sync.Mutex

	ID     string
	Org    string
	Repo   string
	Branch string
	Key    string

	Label           string
	Kind            Kind
	Tool            Tool
	UsingTmux       bool
	TmuxSessionName string
	WorktreePath    string

	pty      Pty
	pid      int
	log      *RingBuffer
	watchers map[*Watcher]struct{}

	pendingInputs [][]byte
	ready         bool
	closed        bool

	createdAt      time.Time
	lastActivityAt time.Time
	idle           bool

	cols uint16
	rows uint16

	exitCode   *int
	exitSignal string
	exitError  string

	readyTimer *time.Timer

	// done is closed exactly once, when the session is fully disposed.
	// Waiters block on it.
	done chan struct{}
}

// Done returns a channel closed when the session has fully terminated.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Closed reports whether the session has terminated. Once true it never
// flips back.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Ready reports whether the readiness protocol has completed.
func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// Pid returns the process id of the PTY child, or 0 when unknown.
func (s *Session) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pid
}

// Log returns the bounded output history.
func (s *Session) Log() []byte {
	return s.log.Bytes()
}

// Size returns the current terminal geometry.
func (s *Session) Size() (cols, rows uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

// SessionSnapshot is the immutable external projection of a Session.
type SessionSnapshot struct {
	ID              string `json:"id"`
	Org             string `json:"org"`
	Repo            string `json:"repo"`
	Branch          string `json:"branch"`
	Label           string `json:"label"`
	Kind            Kind   `json:"kind"`
	Tool            Tool   `json:"tool"`
	UsingTmux       bool   `json:"usingTmux"`
	TmuxSessionName string `json:"tmuxSessionName,omitempty"`
	WorktreePath    string `json:"worktreePath,omitempty"`
	Ready           bool   `json:"ready"`
	Closed          bool   `json:"closed"`
	Idle            bool   `json:"idle"`
	CreatedAt       string `json:"createdAt"`
	LastActivityAt  string `json:"lastActivityAt"`
	ExitCode        *int   `json:"exitCode,omitempty"`
	ExitSignal      string `json:"exitSignal,omitempty"`
	ExitError       string `json:"exitError,omitempty"`
}

// Snapshot projects the session's current state. No serialise/deserialise
// round-trip: callers get a plain value.
func (s *Session) Snapshot() SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionSnapshot{
		ID:              s.ID,
		Org:             s.Org,
		Repo:            s.Repo,
		Branch:          s.Branch,
		Label:           s.Label,
		Kind:            s.Kind,
		Tool:            s.Tool,
		UsingTmux:       s.UsingTmux,
		TmuxSessionName: s.TmuxSessionName,
		WorktreePath:    s.WorktreePath,
		Ready:           s.ready,
		Closed:          s.closed,
		Idle:            s.idle,
		CreatedAt:       s.createdAt.UTC().Format(time.RFC3339),
		LastActivityAt:  s.lastActivityAt.UTC().Format(time.RFC3339),
		ExitCode:        s.exitCode,
		ExitSignal:      s.exitSignal,
		ExitError:       s.exitError,
	}
}

// WorktreeSessionSummary groups every live session sharing a key. It is
// derived on demand, never stored: idle is the AND across members,
// lastActivityAt the max.
type WorktreeSessionSummary struct {
	Org            string            `json:"org"`
	Repo           string            `json:"repo"`
	Branch         string            `json:"branch"`
	Idle           bool              `json:"idle"`
	LastActivityAt string            `json:"lastActivityAt"`
	Sessions       []SessionSnapshot `json:"sessions"`
}
