package term

// Stream readyState values, matching what WebSocket clients report.
const (
	StreamOpen   = 1
	StreamClosed = 3
)

// Stream is the capability contract a watcher transport must satisfy.
// The engine never sees a concrete socket type; WS, TCP, and test mocks
// all fit behind this.
type Stream interface {
	ReadyState() int
	SendBinary(chunk []byte) error
	SendControl(v any) error
	// Close shuts the stream down gracefully; Terminate drops it without
	// ceremony. Both are best-effort.
	Close()
	Terminate()
	// OnClose registers fn to run when the peer goes away. At most one
	// registration is needed per stream.
	OnClose(fn func())
}

// ReadyFrame is sent once per attachment, at or before the first binary
// chunk. Log carries the full bounded history.
type ReadyFrame struct {
	Type string `json:"type"`
	Log  string `json:"log"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

// ExitFrame is sent exactly once, immediately before the stream closes.
type ExitFrame struct {
	Type   string `json:"type"`
	Code   *int   `json:"code,omitempty"`
	Signal string `json:"signal,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Watcher couples a stream with the id of the session it observes.
// Watchers reference sessions by id, never by pointer, so eviction can
// not leave dangling references.
type Watcher struct {
	SessionID string
	stream    Stream
}

// broadcastBinary delivers one output chunk to every attached watcher.
// Send is best-effort: a failed send or a non-open readyState evicts the
// watcher. Called with s.mu NOT held.
func (s *Session) broadcastBinary(chunk []byte) {
	for _, w := range s.watcherList() {
		if !s.trySendBinary(w, chunk) {
			s.evictWatcher(w)
		}
	}
}

// broadcastControl delivers a control frame to every attached watcher
// under the same send-or-evict policy.
func (s *Session) broadcastControl(v any) {
	for _, w := range s.watcherList() {
		if !s.trySendControl(w, v) {
			s.evictWatcher(w)
		}
	}
}

func (s *Session) watcherList() []*Watcher {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Watcher, 0, len(s.watchers))
	for w := range s.watchers {
		out = append(out, w)
	}
	return out
}

func (s *Session) trySendBinary(w *Watcher, chunk []byte) bool {
	if w.stream.ReadyState() != StreamOpen {
		return false
	}
	return w.stream.SendBinary(chunk) == nil
}

func (s *Session) trySendControl(w *Watcher, v any) bool {
	if w.stream.ReadyState() != StreamOpen {
		return false
	}
	return w.stream.SendControl(v) == nil
}

// evictWatcher drops w from the session and terminates its stream.
func (s *Session) evictWatcher(w *Watcher) {
	s.mu.Lock()
	_, present := s.watchers[w]
	delete(s.watchers, w)
	s.mu.Unlock()
	if present {
		w.stream.Terminate()
	}
}

// addWatcher registers the stream and wires its close listener. Returns
// nil when the session is already closed.
func (s *Session) addWatcher(stream Stream) *Watcher {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	w := &Watcher{SessionID: s.ID, stream: stream}
	s.watchers[w] = struct{}{}
	s.mu.Unlock()

	stream.OnClose(func() {
		s.mu.Lock()
		delete(s.watchers, w)
		s.mu.Unlock()
	})
	return w
}

// closeWatchers sends the exit frame to every watcher, then closes them
// and clears the set. The frame-then-close order is mandatory so clients
// observing the frame may act on it.
func (s *Session) closeWatchers(frame ExitFrame) {
	watchers := s.watcherList()
	for _, w := range watchers {
		if w.stream.ReadyState() == StreamOpen {
			_ = w.stream.SendControl(frame)
		}
		w.stream.Close()
	}
	s.mu.Lock()
	s.watchers = make(map[*Watcher]struct{})
	s.mu.Unlock()
}

// watcherCount is used by tests.
func (s *Session) watcherCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watchers)
}
