package term

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

const (
	stateDir         = ".agentrix"
	sessionsFileName = "sessions.json"
)

// Store persists the sanitised session roster to the user-home state
// file. A single-writer lock serialises persistence; identical payloads
// are elided; writes are atomic (temp + rename) and guarded by an
// advisory file lock so concurrent server instances cannot interleave.
type Store struct {
	mu          sync.Mutex
	path        string
	logger      *slog.Logger
	lastPayload []byte
}

func NewStore(logger *slog.Logger) *Store {
	home, _ := os.UserHomeDir()
	return NewStoreAt(filepath.Join(home, stateDir, sessionsFileName), logger)
}

func NewStoreAt(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{path: path, logger: logger}
}

type storeFile struct {
	Version     int                             `json:"version"`
	GeneratedAt string                          `json:"generatedAt"`
	Orgs        map[string]map[string]repoEntry `json:"orgs"`
	Summaries   []WorktreeSessionSummary        `json:"summaries"`
}

type repoEntry struct {
	Worktrees map[string]worktreeEntry `json:"worktrees"`
}

type worktreeEntry struct {
	Branch         string            `json:"branch"`
	Idle           bool              `json:"idle"`
	LastActivityAt string            `json:"lastActivityAt"`
	Sessions       []SessionSnapshot `json:"sessions"`
}

// Persist writes the roster snapshot. Failures are logged, never raised
// out of the event path.
func (st *Store) Persist(summaries []WorktreeSessionSummary) {
	st.mu.Lock()
	defer st.mu.Unlock()

	payload := storeFile{
		Version:     1,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Orgs:        buildOrgTree(summaries),
		Summaries:   summaries,
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		st.logger.Warn("failed to marshal session snapshot", "err", err)
		return
	}

	// Duplicate payload elision: compare everything but the timestamp.
	canonical := canonicalPayload(summaries)
	if bytes.Equal(canonical, st.lastPayload) {
		return
	}

	if err := st.writeAtomic(data); err != nil {
		st.logger.Warn("failed to persist session snapshot", "err", err)
		return
	}
	st.lastPayload = canonical
}

func canonicalPayload(summaries []WorktreeSessionSummary) []byte {
	data, _ := json.Marshal(summaries)
	return data
}

func (st *Store) writeAtomic(data []byte) error {
	dir := filepath.Dir(st.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	lock := flock.New(st.path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock state file: %w", err)
	}
	defer lock.Unlock()

	tmp := st.path + ".tmp." + randomSuffix()
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, st.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename state file: %w", err)
	}
	return nil
}

func randomSuffix() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Load reads and sanitises the persisted roster. Missing or empty files
// yield (nil, nil); unknown fields are ignored and malformed entries
// dropped.
func (st *Store) Load() ([]WorktreeSessionSummary, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	data, err := os.ReadFile(st.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var raw struct {
		Summaries []json.RawMessage `json:"summaries"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse session snapshot: %w", err)
	}

	var out []WorktreeSessionSummary
	for _, entry := range raw.Summaries {
		if s, ok := sanitizeSummary(entry); ok {
			out = append(out, s)
		}
	}
	return out, nil
}

func sanitizeSummary(raw json.RawMessage) (WorktreeSessionSummary, bool) {
	var loose struct {
		Org            string            `json:"org"`
		Repo           string            `json:"repo"`
		Branch         string            `json:"branch"`
		Idle           bool              `json:"idle"`
		LastActivityAt any               `json:"lastActivityAt"`
		Sessions       []json.RawMessage `json:"sessions"`
	}
	if err := json.Unmarshal(raw, &loose); err != nil {
		return WorktreeSessionSummary{}, false
	}
	if loose.Org == "" || loose.Repo == "" || loose.Branch == "" {
		return WorktreeSessionSummary{}, false
	}
	out := WorktreeSessionSummary{
		Org:            loose.Org,
		Repo:           loose.Repo,
		Branch:         loose.Branch,
		Idle:           loose.Idle,
		LastActivityAt: stringOrEmpty(loose.LastActivityAt),
	}
	for _, rawSess := range loose.Sessions {
		if snap, ok := sanitizeSnapshot(rawSess, loose.Org, loose.Repo, loose.Branch); ok {
			out.Sessions = append(out.Sessions, snap)
		}
	}
	if len(out.Sessions) == 0 {
		return WorktreeSessionSummary{}, false
	}
	return out, true
}

func sanitizeSnapshot(raw json.RawMessage, org, repo, branch string) (SessionSnapshot, bool) {
	var loose struct {
		ID              string `json:"id"`
		Label           string `json:"label"`
		Kind            string `json:"kind"`
		Tool            string `json:"tool"`
		UsingTmux       bool   `json:"usingTmux"`
		TmuxSessionName string `json:"tmuxSessionName"`
		WorktreePath    string `json:"worktreePath"`
		Idle            bool   `json:"idle"`
		CreatedAt       any    `json:"createdAt"`
		LastActivityAt  any    `json:"lastActivityAt"`
	}
	if err := json.Unmarshal(raw, &loose); err != nil {
		return SessionSnapshot{}, false
	}
	if loose.ID == "" {
		return SessionSnapshot{}, false
	}
	label := loose.Label
	if label == "" {
		label = "Terminal"
	}
	kind := Kind(loose.Kind)
	if kind != KindInteractive && kind != KindAutomation {
		kind = KindInteractive
	}
	tool := Tool(loose.Tool)
	if tool != ToolTerminal && tool != ToolAgent {
		tool = ToolTerminal
	}
	return SessionSnapshot{
		ID:              loose.ID,
		Org:             org,
		Repo:            repo,
		Branch:          branch,
		Label:           label,
		Kind:            kind,
		Tool:            tool,
		UsingTmux:       loose.UsingTmux,
		TmuxSessionName: loose.TmuxSessionName,
		WorktreePath:    loose.WorktreePath,
		Idle:            loose.Idle,
		CreatedAt:       stringOrEmpty(loose.CreatedAt),
		LastActivityAt:  stringOrEmpty(loose.LastActivityAt),
	}, true
}

// stringOrEmpty keeps timestamps only when they were persisted as
// strings.
func stringOrEmpty(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func buildOrgTree(summaries []WorktreeSessionSummary) map[string]map[string]repoEntry {
	tree := make(map[string]map[string]repoEntry)
	for _, s := range summaries {
		repos := tree[s.Org]
		if repos == nil {
			repos = make(map[string]repoEntry)
			tree[s.Org] = repos
		}
		repo := repos[s.Repo]
		if repo.Worktrees == nil {
			repo.Worktrees = make(map[string]worktreeEntry)
		}
		repo.Worktrees[s.Branch] = worktreeEntry{
			Branch:         s.Branch,
			Idle:           s.Idle,
			LastActivityAt: s.LastActivityAt,
			Sessions:       s.Sessions,
		}
		repos[s.Repo] = repo
	}
	return tree
}
