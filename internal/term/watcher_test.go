package term

import "testing"

func TestStreamCloseRemovesWatcher(t *testing.T) {
	f := newFixture(t, true)
	s, _, _ := f.engine.GetOrCreate("/w", "o", "r", "b", CreateOptions{})
	stream := newFakeStream()
	if err := f.engine.Attach(s.ID, stream); err != nil {
		t.Fatal(err)
	}
	if s.watcherCount() != 1 {
		t.Fatalf("watcher count = %d", s.watcherCount())
	}

	// The transport reports its close; the watcher must not survive.
	stream.mu.Lock()
	fn := stream.onClose
	stream.mu.Unlock()
	if fn == nil {
		t.Fatal("close listener not registered on attach")
	}
	fn()
	if s.watcherCount() != 0 {
		t.Fatal("watcher survived stream close")
	}
}

func TestAttachToClosedSessionFails(t *testing.T) {
	f := newFixture(t, true)
	s, _, _ := f.engine.GetOrCreate("/w", "o", "r", "b", CreateOptions{})
	_ = f.engine.Dispose(s.ID)

	if err := f.engine.Attach(s.ID, newFakeStream()); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestAttachUnknownSession(t *testing.T) {
	f := newFixture(t, true)
	if err := f.engine.Attach("nope", newFakeStream()); err != ErrNotFound {
		t.Fatalf("err = %v", err)
	}
}
