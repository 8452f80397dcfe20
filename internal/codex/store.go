package codex

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Store keeps one JSON document per Codex session under an opaque
// directory inside the worktree. The contract is list, write, delete by
// (worktree, sessionId); writes are atomic.
type Store struct{}

func NewStore() *Store {
	return &Store{}
}

func (st *Store) dir(worktree string) string {
	return filepath.Join(worktree, ".agentrix", "codex-sessions")
}

func (st *Store) path(worktree, id string) string {
	return filepath.Join(st.dir(worktree), id+".json")
}

func (st *Store) Write(worktree string, s Session) error {
	dir := st.dir(worktree)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create codex session dir: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal codex session: %w", err)
	}
	path := st.path(worktree, s.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write codex session: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename codex session: %w", err)
	}
	return nil
}

func (st *Store) List(worktree string) ([]Session, error) {
	entries, err := os.ReadDir(st.dir(worktree))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []Session
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(st.dir(worktree), e.Name()))
		if err != nil {
			continue
		}
		var s Session
		if err := json.Unmarshal(data, &s); err != nil || s.ID == "" {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (st *Store) Delete(worktree, id string) error {
	err := os.Remove(st.path(worktree, id))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
