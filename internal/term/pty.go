package term

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/creack/pty/v2"
	"golang.org/x/sys/unix"
)

// Default terminal geometry for freshly spawned sessions.
const (
	DefaultCols uint16 = 120
	DefaultRows uint16 = 36
)

// Pty is the handle a Session owns: an input sink plus resize and signal
// control. Output and exit are delivered through the spawn callbacks.
type Pty interface {
	Write(p []byte) (int, error)
	Resize(cols, rows uint16) error
	Signal(sig syscall.Signal) error
	Pid() int
	Close() error
}

// SpawnConfig describes a process to attach to a fresh pseudo-terminal.
// An empty Argv spawns the user's interactive shell.
type SpawnConfig struct {
	Dir  string
	Argv []string
	Cols uint16
	Rows uint16

	// OnData receives every output chunk in PTY order. OnExit fires once
	// when the process terminates; signal is empty for a plain exit.
	OnData func(chunk []byte)
	OnExit func(code int, signal string)
}

// SpawnFunc is the PTY adapter entry point. The engine holds one so tests
// can substitute a fake terminal.
type SpawnFunc func(cfg SpawnConfig) (Pty, error)

// Spawn starts cfg.Argv (or the user's shell) on a new PTY with the
// normalised environment and begins delivering data/exit events.
func Spawn(cfg SpawnConfig) (Pty, error) {
	argv := cfg.Argv
	if len(argv) == 0 {
		argv = shellArgv()
	}
	cols, rows := cfg.Cols, cfg.Rows
	if cols == 0 {
		cols = DefaultCols
	}
	if rows == 0 {
		rows = DefaultRows
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = cfg.Dir
	cmd.Env = spawnEnv(os.Environ())

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, fmt.Errorf("failed to start pty: %w", err)
	}

	p := &ptyProc{ptmx: ptmx, cmd: cmd}
	go p.readLoop(cfg.OnData)
	go p.waitLoop(cfg.OnExit)
	return p, nil
}

type ptyProc struct {
	mu   sync.Mutex
	ptmx *os.File
	cmd  *exec.Cmd
}

func (p *ptyProc) file() *os.File {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ptmx
}

func (p *ptyProc) Write(b []byte) (int, error) {
	f := p.file()
	if f == nil {
		return 0, os.ErrClosed
	}
	return f.Write(b)
}

func (p *ptyProc) Resize(cols, rows uint16) error {
	f := p.file()
	if f == nil {
		return os.ErrClosed
	}
	return pty.Setsize(f, &pty.Winsize{Cols: cols, Rows: rows})
}

func (p *ptyProc) Signal(sig syscall.Signal) error {
	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return os.ErrProcessDone
	}
	return cmd.Process.Signal(sig)
}

func (p *ptyProc) Pid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *ptyProc) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ptmx == nil {
		return nil
	}
	err := p.ptmx.Close()
	p.ptmx = nil
	return err
}

func (p *ptyProc) readLoop(onData func([]byte)) {
	f := p.file()
	if f == nil {
		return
	}
	buf := make([]byte, 32*1024)
	for {
		n, err := f.Read(buf)
		if n > 0 && onData != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			onData(chunk)
		}
		if err != nil {
			return
		}
	}
}

func (p *ptyProc) waitLoop(onExit func(int, string)) {
	err := p.cmd.Wait()

	// Close the PTY so readLoop drains remaining data and exits.
	_ = p.Close()

	code := 0
	signal := ""
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				signal = unix.SignalName(ws.Signal())
			}
		} else {
			code = 1
		}
	}
	if onExit != nil {
		onExit(code, signal)
	}
}

// shellArgv picks the interactive shell for a session from $SHELL with a
// /bin/bash fallback. Known shells get login+interactive flags.
func shellArgv() []string {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/bash"
	}
	switch filepath.Base(shell) {
	case "bash", "zsh", "fish":
		return []string{shell, "-i", "-l"}
	}
	return []string{shell}
}

// spawnEnv normalises the inherited environment for PTY children:
// tmux nesting markers are stripped, the terminal is forced to 256-colour
// truecolor, and the locale is coerced to UTF-8 (keeping any UTF-8 value
// already present).
func spawnEnv(base []string) []string {
	out := make([]string, 0, len(base)+8)
	locale := ""
	for _, kv := range base {
		key, val, _ := strings.Cut(kv, "=")
		switch key {
		case "TMUX", "TMUX_PANE", "TERM", "COLORTERM", "FORCE_COLOR":
			continue
		case "LANG", "LC_ALL", "LC_CTYPE":
			if locale == "" && isUTF8Locale(val) {
				locale = val
			}
			continue
		}
		out = append(out, kv)
	}
	if locale == "" {
		locale = "en_US.UTF-8"
	}
	out = append(out,
		"TERM=xterm-256color",
		"COLORTERM=truecolor",
		"LANG="+locale,
		"LC_ALL="+locale,
		"LC_CTYPE="+locale,
		"FORCE_COLOR=1",
	)
	return out
}

func isUTF8Locale(v string) bool {
	lower := strings.ToLower(v)
	return strings.Contains(lower, "utf-8") || strings.Contains(lower, "utf8")
}
