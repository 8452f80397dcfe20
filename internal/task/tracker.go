package task

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/vultuk/agentrix/internal/bus"
)

// completedTaskTTL is how long finished tasks stay listed before the
// pruner removes them.
const completedTaskTTL = 15 * time.Minute

// Event is the payload emitted on the tasks:update topic.
type Event struct {
	Task any `json:"task"`
}

// RemovedTask marks a pruned task in the event stream.
type RemovedTask struct {
	ID      string `json:"id"`
	Removed bool   `json:"removed"`
}

// Spec names a new task.
type Spec struct {
	Type     string
	Title    string
	Metadata map[string]any
}

// Handler is a task body. A non-nil return value becomes the task's
// result; an error fails it.
type Handler func(ctx *Context) (any, error)

// Tracker owns the in-memory task map and its persistence loop.
type Tracker struct {
	mu     sync.Mutex
	tasks  map[string]*task
	bus    *bus.Bus
	logger *slog.Logger
	now    func() time.Time

	persist *persistence
}

func NewTracker(b *bus.Bus, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		tasks:  make(map[string]*task),
		bus:    b,
		logger: logger,
		now:    time.Now,
	}
}

// RunTask creates the task in pending, then invokes handler
// asynchronously. The returned snapshot reflects the pending state.
func (tr *Tracker) RunTask(spec Spec, handler Handler) Snapshot {
	now := tr.now()
	t := &task{
		id:        uuid.New().String(),
		typ:       spec.Type,
		title:     spec.Title,
		status:    StatusPending,
		createdAt: now,
		updatedAt: now,
	}
	if len(spec.Metadata) > 0 {
		t.metadata = make(map[string]any, len(spec.Metadata))
		for k, v := range spec.Metadata {
			t.metadata[k] = v
		}
	}

	tr.mu.Lock()
	tr.tasks[t.id] = t
	tr.pruneLocked()
	snap := t.snapshot()
	tr.mu.Unlock()

	tr.emit(snap)
	tr.schedulePersist(false)

	go tr.execute(t, handler)
	return snap
}

func (tr *Tracker) execute(t *task, handler Handler) {
	tr.mutate(t.id, func(t *task) {
		t.status = StatusRunning
	})

	ctx := &Context{tracker: tr, taskID: t.id}

	result, err := tr.safeInvoke(handler, ctx)
	if err != nil {
		tr.mutate(t.id, func(t *task) {
			t.status = StatusFailed
			t.err = &Error{Message: err.Error()}
			t.completedAt = tr.now()
			t.hasComplete = true
		})
		return
	}
	tr.mutate(t.id, func(t *task) {
		if result != nil {
			t.result = result
		}
		t.status = StatusSucceeded
		t.completedAt = tr.now()
		t.hasComplete = true
	})
}

func (tr *Tracker) safeInvoke(handler Handler, ctx *Context) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task handler panicked: %v", r)
		}
	}()
	return handler(ctx)
}

// mutate applies fn to the task under the tracker lock, then stamps
// updatedAt, emits tasks:update, prunes, and schedules persistence.
func (tr *Tracker) mutate(id string, fn func(t *task)) {
	tr.mu.Lock()
	t, ok := tr.tasks[id]
	if !ok {
		tr.mu.Unlock()
		return
	}
	fn(t)
	t.updatedAt = tr.now()
	removed := tr.pruneLocked()
	snap := t.snapshot()
	tr.mu.Unlock()

	tr.emitRemoved(removed)
	tr.emit(snap)
	tr.schedulePersist(false)
}

// Get returns the snapshot of one task.
func (tr *Tracker) Get(id string) (Snapshot, bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	t, ok := tr.tasks[id]
	if !ok {
		return Snapshot{}, false
	}
	return t.snapshot(), true
}

// ListTasks prunes, then returns every task ordered by creation time.
func (tr *Tracker) ListTasks() []Snapshot {
	tr.mu.Lock()
	removed := tr.pruneLocked()
	out := make([]Snapshot, 0, len(tr.tasks))
	for _, t := range tr.tasks {
		out = append(out, t.snapshot())
	}
	tr.mu.Unlock()

	tr.emitRemoved(removed)

	sortSnapshots(out)
	return out
}

func sortSnapshots(out []Snapshot) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt == out[j].CreatedAt {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt < out[j].CreatedAt
	})
}

// pruneLocked removes tasks whose completedAt is older than the TTL.
// Caller holds tr.mu; returns the removed ids.
func (tr *Tracker) pruneLocked() []string {
	cutoff := tr.now().Add(-completedTaskTTL)
	var removed []string
	for id, t := range tr.tasks {
		if t.hasComplete && t.completedAt.Before(cutoff) {
			delete(tr.tasks, id)
			removed = append(removed, id)
		}
	}
	return removed
}

func (tr *Tracker) emit(snap Snapshot) {
	if tr.bus != nil {
		tr.bus.Emit(bus.TopicTasksUpdate, Event{Task: snap})
	}
}

func (tr *Tracker) emitRemoved(ids []string) {
	if tr.bus == nil {
		return
	}
	for _, id := range ids {
		tr.bus.Emit(bus.TopicTasksUpdate, Event{Task: RemovedTask{ID: id, Removed: true}})
	}
}

// SchedulePrune registers a periodic prune sweep on the given cron
// scheduler, in addition to the opportunistic pruning every mutation
// performs.
func (tr *Tracker) SchedulePrune(c *cron.Cron) error {
	_, err := c.AddFunc("@every 1m", func() {
		tr.mu.Lock()
		removed := tr.pruneLocked()
		tr.mu.Unlock()
		tr.emitRemoved(removed)
		if len(removed) > 0 {
			tr.schedulePersist(false)
		}
	})
	return err
}

// --- progress controller ---

// Context is handed to task handlers: step-granular progress plus
// metadata and result plumbing.
type Context struct {
	tracker *Tracker
	taskID  string
}

// Progress returns the step controller. Kept as a method for call-site
// clarity: ctx.Progress().StartStep(...).
func (c *Context) Progress() *Progress {
	return &Progress{tracker: c.tracker, taskID: c.taskID}
}

// UpdateMetadata merges patch into the task metadata.
func (c *Context) UpdateMetadata(patch map[string]any) {
	c.tracker.mutate(c.taskID, func(t *task) {
		if t.metadata == nil {
			t.metadata = make(map[string]any, len(patch))
		}
		for k, v := range patch {
			t.metadata[k] = v
		}
	})
}

// SetResult records the task result ahead of completion.
func (c *Context) SetResult(value any) {
	c.tracker.mutate(c.taskID, func(t *task) {
		t.result = value
	})
}

// GetTaskSnapshot returns the task's current projection.
func (c *Context) GetTaskSnapshot() Snapshot {
	snap, _ := c.tracker.Get(c.taskID)
	return snap
}

// Progress mutates steps. Every mutator stamps updatedAt, emits
// tasks:update, and schedules persistence.
type Progress struct {
	tracker *Tracker
	taskID  string
}

func (p *Progress) findOrCreate(t *task, id, label string) *step {
	for _, s := range t.steps {
		if s.id == id {
			if label != "" {
				s.label = label
			}
			return s
		}
	}
	s := &step{id: id, label: label, status: StepPending}
	if s.label == "" {
		s.label = id
	}
	t.steps = append(t.steps, s)
	return s
}

// EnsureStep creates the step if it does not exist yet.
func (p *Progress) EnsureStep(id string, label string) {
	p.tracker.mutate(p.taskID, func(t *task) {
		p.findOrCreate(t, id, label)
	})
}

// StartStep transitions the step to running.
func (p *Progress) StartStep(id string, label string) {
	p.tracker.mutate(p.taskID, func(t *task) {
		s := p.findOrCreate(t, id, label)
		s.status = StepRunning
		s.startedAt = p.tracker.now()
		s.hasStart = true
		s.completedAt = time.Time{}
		s.hasComplete = false
	})
}

func (p *Progress) finishStep(id string, status StepStatus) {
	p.tracker.mutate(p.taskID, func(t *task) {
		s := p.findOrCreate(t, id, "")
		s.status = status
		s.completedAt = p.tracker.now()
		s.hasComplete = true
	})
}

func (p *Progress) CompleteStep(id string) { p.finishStep(id, StepSucceeded) }
func (p *Progress) SkipStep(id string)     { p.finishStep(id, StepSkipped) }
func (p *Progress) FailStep(id string)     { p.finishStep(id, StepFailed) }

// LogStep appends a log line to the step. Empty messages are dropped.
func (p *Progress) LogStep(id string, message string) {
	trimmed := trimMessage(message)
	if trimmed == "" {
		return
	}
	p.tracker.mutate(p.taskID, func(t *task) {
		s := p.findOrCreate(t, id, "")
		s.logs = append(s.logs, LogEntry{
			ID:        uuid.New().String(),
			Message:   trimmed,
			Timestamp: p.tracker.now().UTC().Format(time.RFC3339),
		})
	})
}

func trimMessage(m string) string {
	start, end := 0, len(m)
	for start < end && isSpace(m[start]) {
		start++
	}
	for end > start && isSpace(m[end-1]) {
		end--
	}
	return m[start:end]
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
