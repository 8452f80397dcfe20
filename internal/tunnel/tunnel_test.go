package tunnel

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestParsePortList(t *testing.T) {
	out := "22\n8080\n22\nnot-a-port\n0\n65536\n65535\n1\n\n  443  \n"
	got := ParsePortList(out)
	want := []int{1, 22, 443, 8080, 65535}
	if len(got) != len(want) {
		t.Fatalf("ports = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ports = %v, want %v", got, want)
		}
	}
}

func TestPortCommandDispatch(t *testing.T) {
	name, args, err := portCommand("linux")
	if err != nil || name != "/bin/sh" || args[0] != "-c" || !strings.HasPrefix(args[1], "ss -ntlpH") {
		t.Fatalf("linux: %s %v %v", name, args, err)
	}
	name, args, err = portCommand("darwin")
	if err != nil || name != "/bin/sh" || !strings.HasPrefix(args[1], "lsof -nP") {
		t.Fatalf("darwin: %s %v %v", name, args, err)
	}
	name, _, err = portCommand("windows")
	if err != nil || name != "powershell" {
		t.Fatalf("windows: %s %v", name, err)
	}
	if _, _, err = portCommand("plan9"); err == nil || !strings.Contains(err.Error(), "plan9") {
		t.Fatalf("unsupported platform error = %v", err)
	}
}

func TestListActivePortsWrapsFailure(t *testing.T) {
	run := func(name string, args ...string) ([]byte, error) {
		return nil, errors.New("ss: not found")
	}
	_, err := listActivePorts(run, "linux")
	if err == nil || !strings.HasPrefix(err.Error(), "Failed to list active ports:") {
		t.Fatalf("err = %v", err)
	}
}

func TestListActivePortsParsesOutput(t *testing.T) {
	run := func(name string, args ...string) ([]byte, error) {
		return []byte("3000\n8080\n"), nil
	}
	ports, err := listActivePorts(run, "linux")
	if err != nil {
		t.Fatal(err)
	}
	if len(ports) != 2 || ports[0] != 3000 || ports[1] != 8080 {
		t.Fatalf("ports = %v", ports)
	}
}

type fakeForwarder struct {
	url      string
	mu       sync.Mutex
	closed   bool
	closeErr error
}

func (f *fakeForwarder) URL() string { return f.url }
func (f *fakeForwarder) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return f.closeErr
}

func TestOpenRequiresAuthToken(t *testing.T) {
	m := NewManagerWithForward("", nil, testLogger())
	if _, err := m.Open(context.Background(), 3000); !errors.Is(err, ErrNoAuthToken) {
		t.Fatalf("err = %v", err)
	}
}

func TestOpenStoresDetails(t *testing.T) {
	var gotSpec ForwardSpec
	m := NewManagerWithForward("tok", func(ctx context.Context, spec ForwardSpec) (Forwarder, error) {
		gotSpec = spec
		return &fakeForwarder{url: "https://abc.ngrok.app"}, nil
	}, testLogger())

	tun, err := m.Open(context.Background(), 3000)
	if err != nil {
		t.Fatal(err)
	}
	if tun.Port != 3000 || tun.URL != "https://abc.ngrok.app" || tun.CreatedAt.IsZero() {
		t.Fatalf("tunnel = %+v", tun)
	}
	if gotSpec.Addr != "localhost:3000" || gotSpec.Authtoken != "tok" || gotSpec.Proto != "http" {
		t.Fatalf("spec = %+v", gotSpec)
	}
	if len(gotSpec.Schemes) != 1 || gotSpec.Schemes[0] != "https" {
		t.Fatalf("schemes = %v", gotSpec.Schemes)
	}
	if got := m.List(); len(got) != 1 || got[0].Port != 3000 {
		t.Fatalf("list = %+v", got)
	}
}

func TestOpenReplacesExistingTunnel(t *testing.T) {
	old := &fakeForwarder{url: "https://old.ngrok.app", closeErr: errors.New("flaky close")}
	calls := 0
	m := NewManagerWithForward("tok", func(ctx context.Context, spec ForwardSpec) (Forwarder, error) {
		calls++
		if calls == 1 {
			return old, nil
		}
		return &fakeForwarder{url: "https://new.ngrok.app"}, nil
	}, testLogger())

	if _, err := m.Open(context.Background(), 3000); err != nil {
		t.Fatal(err)
	}
	tun, err := m.Open(context.Background(), 3000)
	if err != nil {
		t.Fatalf("replacement must swallow close errors: %v", err)
	}
	old.mu.Lock()
	closed := old.closed
	old.mu.Unlock()
	if !closed {
		t.Fatal("old forwarder not closed")
	}
	if tun.URL != "https://new.ngrok.app" {
		t.Fatalf("url = %q", tun.URL)
	}
	if got := m.List(); len(got) != 1 {
		t.Fatalf("list = %+v", got)
	}
}

func TestOpenRejectsUnusableListener(t *testing.T) {
	m := NewManagerWithForward("tok", func(ctx context.Context, spec ForwardSpec) (Forwarder, error) {
		return &fakeForwarder{url: ""}, nil
	}, testLogger())
	if _, err := m.Open(context.Background(), 3000); err == nil {
		t.Fatal("empty URL must be rejected")
	}
}

func TestCloseAndCloseAll(t *testing.T) {
	m := NewManagerWithForward("tok", func(ctx context.Context, spec ForwardSpec) (Forwarder, error) {
		return &fakeForwarder{url: "https://x.ngrok.app"}, nil
	}, testLogger())

	_, _ = m.Open(context.Background(), 3000)
	_, _ = m.Open(context.Background(), 4000)

	if err := m.Close(3000); err != nil {
		t.Fatal(err)
	}
	if err := m.Close(3000); err == nil {
		t.Fatal("closing a closed port must error")
	}
	m.CloseAll()
	if got := m.List(); len(got) != 0 {
		t.Fatalf("list after CloseAll = %+v", got)
	}
}
