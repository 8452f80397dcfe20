package term

import (
	"errors"
	"os/exec"
	"strings"
	"testing"
)

// exitError stands in for tmux exiting nonzero. It must be a real
// *exec.ExitError for the controller's error classification, so tests use
// a trivially failing command to mint one.
func exitError(t *testing.T) error {
	t.Helper()
	err := exec.Command("false").Run()
	var ee *exec.ExitError
	if !errors.As(err, &ee) {
		t.Skip("cannot produce *exec.ExitError on this platform")
	}
	return ee
}

func TestSanitizeComponent(t *testing.T) {
	cases := []struct{ in, want string }{
		{"acme", "acme"},
		{"feature/x", "feature-x"},
		{"has space", "has-space"},
		{"a//b::c", "a-b-c"},
		{"--weird--", "weird"},
		{"v1.2_rc", "v1.2_rc"},
		{"///", "default"},
		{"", "default"},
		{"tab\there", "tab-here"},
	}
	for _, c := range cases {
		if got := sanitizeComponent(c.in); got != c.want {
			t.Errorf("sanitizeComponent(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestSessionNameDerivation(t *testing.T) {
	got := TmuxSessionName("acme", "widget", "feature/x")
	if got != "tw-acme--widget--feature-x" {
		t.Fatalf("name = %q", got)
	}
	withLabel := TmuxSessionNameWithLabel("acme", "widget", "feature/x", "Terminal 2")
	if withLabel != "tw-acme--widget--feature-x--terminal-2" {
		t.Fatalf("labelled name = %q", withLabel)
	}
}

func TestParseRoundTrip(t *testing.T) {
	cases := [][3]string{
		{"acme", "widget", "feature/x"},
		{"my org", "repo.name", "release/v1.2"},
		{"", "r", "b"},
	}
	for _, c := range cases {
		name := TmuxSessionName(c[0], c[1], c[2])
		org, repo, branch, ok := ParseTmuxSessionName(name)
		if !ok {
			t.Fatalf("parse(%q) failed", name)
		}
		if org != sanitizeComponent(c[0]) || repo != sanitizeComponent(c[1]) || branch != sanitizeComponent(c[2]) {
			t.Fatalf("parse(%q) = %q/%q/%q", name, org, repo, branch)
		}
	}
}

func TestParseRejectsForeignNames(t *testing.T) {
	for _, name := range []string{
		"main",
		"sm_abc123",
		"tw-onlyone",
		"tw-a--b",
		"tw-a--b--c--d--e",
		"tw-a----c",
	} {
		if _, _, _, ok := ParseTmuxSessionName(name); ok {
			t.Errorf("ParseTmuxSessionName(%q) unexpectedly ok", name)
		}
	}
}

func TestParseAcceptsLabelledVariant(t *testing.T) {
	org, repo, branch, ok := ParseTmuxSessionName("tw-acme--widget--main--terminal-2")
	if !ok || org != "acme" || repo != "widget" || branch != "main" {
		t.Fatalf("got %q/%q/%q ok=%v", org, repo, branch, ok)
	}
}

func TestHasSessionClassifiesErrors(t *testing.T) {
	exitErr := exitError(t)

	tm := NewTmuxWithRunner(func(args ...string) ([]byte, error) {
		return nil, exitErr
	})
	ok, err := tm.HasSession("tw-a--b--c")
	if err != nil || ok {
		t.Fatalf("exit-coded failure must mean no session, got ok=%v err=%v", ok, err)
	}

	tm = NewTmuxWithRunner(func(args ...string) ([]byte, error) {
		return nil, errors.New("tmux: command not found")
	})
	if _, err := tm.HasSession("tw-a--b--c"); err == nil {
		t.Fatal("non-exit failure must propagate")
	}

	var gotArgs []string
	tm = NewTmuxWithRunner(func(args ...string) ([]byte, error) {
		gotArgs = args
		return nil, nil
	})
	ok, err = tm.HasSession("tw-a--b--c")
	if !ok || err != nil {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if strings.Join(gotArgs, " ") != "has-session -t =tw-a--b--c" {
		t.Fatalf("args = %v", gotArgs)
	}
}

func TestKillSessionSwallowsMissing(t *testing.T) {
	exitErr := exitError(t)
	tm := NewTmuxWithRunner(func(args ...string) ([]byte, error) {
		return []byte("can't find session"), exitErr
	})
	if err := tm.KillSession("tw-a--b--c"); err != nil {
		t.Fatalf("exit-coded kill failure must be swallowed: %v", err)
	}

	tm = NewTmuxWithRunner(func(args ...string) ([]byte, error) {
		return nil, errors.New("no tmux binary")
	})
	if err := tm.KillSession("tw-a--b--c"); err == nil {
		t.Fatal("non-exit kill failure must propagate")
	}
}

func TestSetEnvTargetsExactSession(t *testing.T) {
	var gotArgs []string
	tm := NewTmuxWithRunner(func(args ...string) ([]byte, error) {
		gotArgs = args
		return nil, nil
	})
	if err := tm.SetEnv("tw-acme--demo--feature", "AGENTRIX_PROMPT", "Generate diff"); err != nil {
		t.Fatal(err)
	}
	want := "set-environment -t =tw-acme--demo--feature AGENTRIX_PROMPT Generate diff"
	if strings.Join(gotArgs, " ") != want {
		t.Fatalf("args = %v", gotArgs)
	}

	if err := tm.UnsetEnv("tw-acme--demo--feature", "AGENTRIX_PROMPT"); err != nil {
		t.Fatal(err)
	}
	want = "set-environment -u -t =tw-acme--demo--feature AGENTRIX_PROMPT"
	if strings.Join(gotArgs, " ") != want {
		t.Fatalf("unset args = %v", gotArgs)
	}
}

func TestAvailabilityProbeCached(t *testing.T) {
	calls := 0
	tm := NewTmuxWithRunner(func(args ...string) ([]byte, error) {
		calls++
		return []byte("tmux 3.4"), nil
	})
	for i := 0; i < 3; i++ {
		if !tm.Available() {
			t.Fatal("expected available")
		}
	}
	if calls != 1 {
		t.Fatalf("probe ran %d times, want 1", calls)
	}
}

func TestListManagedSessionsFiltersPrefix(t *testing.T) {
	tm := NewTmuxWithRunner(func(args ...string) ([]byte, error) {
		return []byte("tw-a--b--c\nother\ntw-x--y--z\n"), nil
	})
	names, err := tm.ListManagedSessions()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 || names[0] != "tw-a--b--c" || names[1] != "tw-x--y--z" {
		t.Fatalf("names = %v", names)
	}
}
