package agent

import (
	"errors"
	"os/exec"
	"sync"
	"testing"

	"github.com/vultuk/agentrix/internal/term"
)

type fakeEngine struct {
	mu      sync.Mutex
	session *term.Session
	err     error
	inputs  []string
}

func (f *fakeEngine) CreateIsolatedTerminalSession(workdir, org, repo, branch string) (*term.Session, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.session, nil
}

func (f *fakeEngine) EnqueueInput(id string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, string(data))
	return nil
}

type fakeTmuxEnv struct {
	mu       sync.Mutex
	setCalls [][3]string
	unsets   [][2]string
	fail     bool
}

func (f *fakeTmuxEnv) SetEnv(name, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("tmux went away")
	}
	f.setCalls = append(f.setCalls, [3]string{name, key, value})
	return nil
}

func (f *fakeTmuxEnv) UnsetEnv(name, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("tmux went away")
	}
	f.unsets = append(f.unsets, [2]string{name, key})
	return nil
}

func tmuxSession() *term.Session {
	return &term.Session{
		ID:              "sess-1",
		UsingTmux:       true,
		TmuxSessionName: "tw-acme--demo--feature",
	}
}

func ptySession() *term.Session {
	return &term.Session{ID: "sess-2"}
}

func newTestLauncher(eng *fakeEngine, env *fakeTmuxEnv) *Launcher {
	return NewLauncher(eng, env, nil, testLogger())
}

// Scenario: prompt injection over tmux. One set-environment call, one
// queued command line.
func TestLaunchWithPromptTmuxPath(t *testing.T) {
	eng := &fakeEngine{session: tmuxSession()}
	env := &fakeTmuxEnv{}
	l := newTestLauncher(eng, env)

	res, err := l.LaunchAgentProcess(LaunchSpec{
		Command: "agent --run",
		Workdir: "/w", Org: "acme", Repo: "demo", Branch: "feature",
		Prompt: "Generate diff",
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(env.setCalls) != 1 {
		t.Fatalf("setCalls = %v", env.setCalls)
	}
	call := env.setCalls[0]
	if call[0] != "tw-acme--demo--feature" || call[1] != "AGENTRIX_PROMPT" || call[2] != "Generate diff" {
		t.Fatalf("set-environment call = %v", call)
	}

	if len(eng.inputs) != 1 {
		t.Fatalf("inputs = %q", eng.inputs)
	}
	if eng.inputs[0] != "agent --run 'Generate diff'\r" {
		t.Fatalf("queued command = %q", eng.inputs[0])
	}

	if !res.UsingTmux || res.TmuxSessionName != "tw-acme--demo--feature" || !res.CreatedSession {
		t.Fatalf("result = %+v", res)
	}
	if res.SessionID != "sess-1" {
		t.Fatalf("sessionId = %q", res.SessionID)
	}
}

// Scenario: the tmux env call fails, so the launcher falls back to a
// shell export before the command line.
func TestLaunchTmuxSetFailsFallsBackToExport(t *testing.T) {
	eng := &fakeEngine{session: tmuxSession()}
	env := &fakeTmuxEnv{fail: true}
	l := newTestLauncher(eng, env)

	_, err := l.LaunchAgentProcess(LaunchSpec{
		Command: "agent --run",
		Workdir: "/w", Org: "acme", Repo: "demo", Branch: "feature",
		Prompt: "Generate diff",
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(eng.inputs) != 2 {
		t.Fatalf("inputs = %q", eng.inputs)
	}
	if eng.inputs[0] != "export AGENTRIX_PROMPT='Generate diff'\r" {
		t.Fatalf("export input = %q", eng.inputs[0])
	}
	if eng.inputs[1] != "agent --run 'Generate diff'\r" {
		t.Fatalf("command input = %q", eng.inputs[1])
	}
}

func TestLaunchWithoutTmuxUsesExport(t *testing.T) {
	eng := &fakeEngine{session: ptySession()}
	env := &fakeTmuxEnv{}
	l := newTestLauncher(eng, env)

	_, err := l.LaunchAgentProcess(LaunchSpec{
		Command: "agent",
		Workdir: "/w", Org: "o", Repo: "r", Branch: "b",
		Prompt: "do it",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(eng.inputs) != 2 || eng.inputs[0] != "export AGENTRIX_PROMPT='do it'\r" {
		t.Fatalf("inputs = %q", eng.inputs)
	}
}

func TestLaunchEmptyPromptUnsets(t *testing.T) {
	eng := &fakeEngine{session: tmuxSession()}
	env := &fakeTmuxEnv{}
	l := newTestLauncher(eng, env)

	_, err := l.LaunchAgentProcess(LaunchSpec{
		Command: "agent",
		Workdir: "/w", Org: "o", Repo: "r", Branch: "b",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(env.unsets) != 1 || env.unsets[0][1] != "AGENTRIX_PROMPT" {
		t.Fatalf("unsets = %v", env.unsets)
	}
	if len(eng.inputs) != 1 || eng.inputs[0] != "agent\r" {
		t.Fatalf("inputs = %q", eng.inputs)
	}

	// Non-tmux: the fallback is an explicit unset statement.
	eng2 := &fakeEngine{session: ptySession()}
	l2 := newTestLauncher(eng2, env)
	if _, err := l2.LaunchAgentProcess(LaunchSpec{
		Command: "agent", Workdir: "/w", Org: "o", Repo: "r", Branch: "b",
	}); err != nil {
		t.Fatal(err)
	}
	if len(eng2.inputs) != 2 || eng2.inputs[0] != "unset AGENTRIX_PROMPT\r" {
		t.Fatalf("inputs = %q", eng2.inputs)
	}
}

func TestLaunchValidation(t *testing.T) {
	eng := &fakeEngine{session: ptySession()}
	l := newTestLauncher(eng, &fakeTmuxEnv{})

	if _, err := l.LaunchAgentProcess(LaunchSpec{Command: "   ", Workdir: "/w", Org: "o", Repo: "r", Branch: "b"}); !errors.Is(err, ErrMissingCommand) {
		t.Fatalf("err = %v", err)
	}
	if _, err := l.LaunchAgentProcess(LaunchSpec{Command: "agent", Org: "o", Repo: "r", Branch: "b"}); !errors.Is(err, ErrMissingTarget) {
		t.Fatalf("err = %v", err)
	}
}

func TestShellQuote(t *testing.T) {
	cases := []struct{ in, want string }{
		{"plain", "'plain'"},
		{"it's", `'it'\''s'`},
		{"", "''"},
		{"two'quotes'", `'two'\''quotes'\'''`},
	}
	for _, c := range cases {
		if got := ShellQuote(c.in); got != c.want {
			t.Errorf("ShellQuote(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

// Quoting round-trip law: sh evaluation of the quoted string yields the
// original verbatim.
func TestShellQuoteRoundTrip(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	inputs := []string{
		"simple",
		"it's got 'many' quotes",
		"spaces  and\ttabs",
		`dollar $HOME backtick ` + "`ls`",
		"newline\ninside",
		`!!history " double`,
	}
	for _, in := range inputs {
		out, err := exec.Command("sh", "-c", "x="+ShellQuote(in)+`; printf %s "$x"`).Output()
		if err != nil {
			t.Fatalf("sh failed for %q: %v", in, err)
		}
		if string(out) != in {
			t.Errorf("round trip of %q yielded %q", in, string(out))
		}
	}
}

func TestNormalizeInput(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"ls", "ls\r"},
		{"ls\n", "ls\r"},
		{"ls\r\n", "ls\r"},
		{"a\nb", "a\rb\r"},
		{"a\r\nb\r\n", "a\rb\r"},
	}
	for _, c := range cases {
		if got := string(NormalizeInput(c.in)); got != c.want {
			t.Errorf("NormalizeInput(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestPlanWriteFailureDoesNotAbortLaunch(t *testing.T) {
	sess := tmuxSession()
	sess.WorktreePath = string([]byte{0}) // unwritable path
	eng := &fakeEngine{session: sess}
	l := NewLauncher(eng, &fakeTmuxEnv{}, NewPlanStore(testLogger()), testLogger())

	res, err := l.LaunchAgentProcess(LaunchSpec{
		Command: "agent", Workdir: "/w", Org: "o", Repo: "r", Branch: "b",
		Prompt: "plan text",
	})
	if err != nil {
		t.Fatalf("launch must proceed past plan failure: %v", err)
	}
	if res.SessionID != sess.ID {
		t.Fatalf("result = %+v", res)
	}
}
