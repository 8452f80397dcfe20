package task

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultDebounce = 200 * time.Millisecond

const (
	defaultRestartTaskMessage = "Task failed because the server restarted"
	defaultRestartStepMessage = "Step marked as failed after server restart"
)

// PersistenceConfig wires the tracker's snapshot storage. Load returns
// the raw snapshot bytes (nil when absent); Save writes them.
type PersistenceConfig struct {
	Load     func() ([]byte, error)
	Save     func(data []byte) error
	Debounce time.Duration
	Logger   *slog.Logger

	RestartTaskMessage string
	RestartStepMessage string
}

type persistence struct {
	cfg   PersistenceConfig
	mu    sync.Mutex
	timer *time.Timer
}

type snapshotFile struct {
	Version     int        `json:"version"`
	GeneratedAt string     `json:"generatedAt"`
	Tasks       []Snapshot `json:"tasks"`
}

// FileSnapshotStore returns Load/Save functions for the task snapshot
// at <workdir>/.terminal-worktree/tasks.json with atomic writes.
func FileSnapshotStore(workdir string) (load func() ([]byte, error), save func([]byte) error) {
	path := filepath.Join(workdir, ".terminal-worktree", "tasks.json")
	load = func() ([]byte, error) {
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			return nil, nil
		}
		return data, err
	}
	save = func(data []byte) error {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, data, 0o644); err != nil {
			return err
		}
		if err := os.Rename(tmp, path); err != nil {
			os.Remove(tmp)
			return err
		}
		return nil
	}
	return load, save
}

// ConfigurePersistence installs snapshot storage, rehydrates the
// persisted roster, and persists the normalised result once.
//
// Any task that was not terminal at load time is forcibly failed with
// reason "process_restart"; its non-terminal steps are failed with a
// restart log line. Terminal tasks missing completedAt gain one from
// updatedAt.
func (tr *Tracker) ConfigurePersistence(cfg PersistenceConfig) error {
	if cfg.Debounce == 0 {
		cfg.Debounce = defaultDebounce
	}
	if cfg.Logger == nil {
		cfg.Logger = tr.logger
	}
	if cfg.RestartTaskMessage == "" {
		cfg.RestartTaskMessage = defaultRestartTaskMessage
	}
	if cfg.RestartStepMessage == "" {
		cfg.RestartStepMessage = defaultRestartStepMessage
	}

	tr.mu.Lock()
	tr.persist = &persistence{cfg: cfg}
	tr.mu.Unlock()

	if cfg.Load == nil {
		return nil
	}
	data, err := cfg.Load()
	if err != nil {
		cfg.Logger.Warn("failed to load task snapshot", "err", err)
		return nil
	}
	if len(data) == 0 {
		return nil
	}

	snaps, err := parseSnapshotPayload(data)
	if err != nil {
		cfg.Logger.Warn("failed to parse task snapshot", "err", err)
		return nil
	}

	tr.mu.Lock()
	for _, snap := range snaps {
		if snap.ID == "" {
			continue
		}
		tr.tasks[snap.ID] = tr.rehydrate(snap, cfg)
	}
	tr.mu.Unlock()

	tr.schedulePersist(true)
	return nil
}

// parseSnapshotPayload accepts the versioned envelope and, for legacy
// readers, a bare task array.
func parseSnapshotPayload(data []byte) ([]Snapshot, error) {
	var file snapshotFile
	if err := json.Unmarshal(data, &file); err == nil && file.Tasks != nil {
		return file.Tasks, nil
	}
	var bare []Snapshot
	if err := json.Unmarshal(data, &bare); err == nil {
		return bare, nil
	}
	return nil, fmt.Errorf("unrecognised task snapshot payload")
}

func (tr *Tracker) rehydrate(snap Snapshot, cfg PersistenceConfig) *task {
	now := tr.now()
	t := &task{
		id:        snap.ID,
		typ:       snap.Type,
		title:     snap.Title,
		status:    snap.Status,
		createdAt: parseTimeOr(snap.CreatedAt, now),
		updatedAt: parseTimeOr(snap.UpdatedAt, now),
		result:    snap.Result,
	}
	if snap.Error != nil {
		e := *snap.Error
		t.err = &e
	}
	if len(snap.Metadata) > 0 {
		t.metadata = make(map[string]any, len(snap.Metadata))
		for k, v := range snap.Metadata {
			t.metadata[k] = v
		}
	}
	if snap.CompletedAt != "" {
		t.completedAt = parseTimeOr(snap.CompletedAt, now)
		t.hasComplete = true
	}

	for _, ss := range snap.Steps {
		s := &step{
			id:     ss.ID,
			label:  ss.Label,
			status: ss.Status,
			logs:   append([]LogEntry(nil), ss.Logs...),
		}
		if ss.StartedAt != "" {
			s.startedAt = parseTimeOr(ss.StartedAt, now)
			s.hasStart = true
		}
		if ss.CompletedAt != "" {
			s.completedAt = parseTimeOr(ss.CompletedAt, now)
			s.hasComplete = true
		}
		t.steps = append(t.steps, s)
	}

	if !t.status.Terminal() {
		t.status = StatusFailed
		t.err = &Error{Message: cfg.RestartTaskMessage, Reason: "process_restart"}
		t.completedAt = now
		t.hasComplete = true
		t.updatedAt = now
		for _, s := range t.steps {
			if !s.status.Terminal() {
				s.status = StepFailed
				s.completedAt = now
				s.hasComplete = true
				s.logs = append(s.logs, LogEntry{
					ID:        newLogID(),
					Message:   cfg.RestartStepMessage,
					Timestamp: now.UTC().Format(time.RFC3339),
				})
			}
		}
	} else if !t.hasComplete {
		// Terminal tasks persisted without completedAt gain one.
		t.completedAt = t.updatedAt
		t.hasComplete = true
	}
	return t
}

func parseTimeOr(v string, fallback time.Time) time.Time {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t
	}
	return fallback
}

// schedulePersist debounces snapshot writes; immediate bypasses the
// debounce.
func (tr *Tracker) schedulePersist(immediate bool) {
	tr.mu.Lock()
	p := tr.persist
	tr.mu.Unlock()
	if p == nil || p.cfg.Save == nil {
		return
	}

	if immediate {
		p.mu.Lock()
		if p.timer != nil {
			p.timer.Stop()
			p.timer = nil
		}
		p.mu.Unlock()
		tr.flushSnapshot(p)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(p.cfg.Debounce, func() {
		tr.flushSnapshot(p)
	})
}

func (tr *Tracker) flushSnapshot(p *persistence) {
	tr.mu.Lock()
	tasks := make([]Snapshot, 0, len(tr.tasks))
	for _, t := range tr.tasks {
		tasks = append(tasks, t.snapshot())
	}
	tr.mu.Unlock()
	sortSnapshots(tasks)

	data, err := json.MarshalIndent(snapshotFile{
		Version:     1,
		GeneratedAt: tr.now().UTC().Format(time.RFC3339),
		Tasks:       tasks,
	}, "", "  ")
	if err != nil {
		p.cfg.Logger.Warn("failed to marshal task snapshot", "err", err)
		return
	}
	if err := p.cfg.Save(data); err != nil {
		p.cfg.Logger.Warn("failed to save task snapshot", "err", err)
	}
}

func newLogID() string {
	return uuid.New().String()
}
