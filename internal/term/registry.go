package term

import (
	"sort"
	"sync"
)

type labelCounters struct {
	terminal int
	agent    int
}

// Registry is the double-indexed store of live sessions: byKey buckets
// for reuse walks and byID for direct lookup, kept in lockstep under one
// lock. Label counters live with the bucket and reset when it drains.
type Registry struct {
	mu     sync.Mutex
	byKey  map[string]map[string]*Session
	byID   map[string]*Session
	labels map[string]*labelCounters
}

func NewRegistry() *Registry {
	return &Registry{
		byKey:  make(map[string]map[string]*Session),
		byID:   make(map[string]*Session),
		labels: make(map[string]*labelCounters),
	}
}

// Add inserts s into both indices and allocates its label from the
// per-key counter for its tool.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bucket := r.byKey[s.Key]
	if bucket == nil {
		bucket = make(map[string]*Session)
		r.byKey[s.Key] = bucket
	}
	bucket[s.ID] = s
	r.byID[s.ID] = s

	c := r.labels[s.Key]
	if c == nil {
		c = &labelCounters{}
		r.labels[s.Key] = c
	}
	for taken := true; taken; {
		switch s.Tool {
		case ToolAgent:
			c.agent++
			s.Label = labelFor(ToolAgent, c.agent)
		default:
			c.terminal++
			s.Label = labelFor(ToolTerminal, c.terminal)
		}
		taken = false
		for id, other := range bucket {
			if id != s.ID && other.Label == s.Label {
				taken = true
				break
			}
		}
	}
}

func labelFor(tool Tool, n int) string {
	if tool == ToolAgent {
		return "Agent " + itoa(n)
	}
	return "Terminal " + itoa(n)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// AddRestored inserts a rehydrated session without allocating a label,
// but advances the counter by one; Add skips any label already held in
// the bucket, so later allocations do not collide with restored ones.
func (r *Registry) AddRestored(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bucket := r.byKey[s.Key]
	if bucket == nil {
		bucket = make(map[string]*Session)
		r.byKey[s.Key] = bucket
	}
	bucket[s.ID] = s
	r.byID[s.ID] = s

	c := r.labels[s.Key]
	if c == nil {
		c = &labelCounters{}
		r.labels[s.Key] = c
	}
	if s.Tool == ToolAgent {
		c.agent++
	} else {
		c.terminal++
	}
}

// Remove drops the session from both indices. Draining a bucket removes
// the bucket entry and its label counters.
func (r *Registry) Remove(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	delete(r.byID, id)
	if bucket, ok := r.byKey[s.Key]; ok {
		delete(bucket, id)
		if len(bucket) == 0 {
			delete(r.byKey, s.Key)
			delete(r.labels, s.Key)
		}
	}
	return s, true
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	return s, ok
}

// ByKey returns the bucket's sessions ordered by creation time.
func (r *Registry) ByKey(key string) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	bucket := r.byKey[key]
	out := make([]*Session, 0, len(bucket))
	for _, s := range bucket {
		out = append(out, s)
	}
	sortSessions(out)
	return out
}

// All returns every live session ordered by creation time.
func (r *Registry) All() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, s)
	}
	sortSessions(out)
	return out
}

// Keys returns the keys of all non-empty buckets, sorted.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.byKey))
	for k := range r.byKey {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

func sortSessions(ss []*Session) {
	sort.Slice(ss, func(i, j int) bool {
		a, b := ss[i], ss[j]
		a.mu.Lock()
		at := a.createdAt
		a.mu.Unlock()
		b.mu.Lock()
		bt := b.createdAt
		b.mu.Unlock()
		if at.Equal(bt) {
			return a.ID < b.ID
		}
		return at.Before(bt)
	})
}
