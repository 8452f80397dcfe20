// Package agent launches AI coding agents into isolated automation
// sessions, injecting the prompt through tmux environment variables or a
// shell export fallback, and recording the plan on disk.
package agent

import (
	"errors"
	"log/slog"
	"strings"

	"github.com/vultuk/agentrix/internal/term"
)

// promptEnvVar is exported into agent sessions so the launched tool can
// pick its prompt up.
const promptEnvVar = "AGENTRIX_PROMPT"

var ErrMissingCommand = errors.New("command is required")
var ErrMissingTarget = errors.New("workdir, org, repo and branch are required")

// sessionEngine is the slice of the terminal engine the launcher needs.
type sessionEngine interface {
	CreateIsolatedTerminalSession(workdir, org, repo, branch string) (*term.Session, error)
	EnqueueInput(id string, data []byte) error
}

// tmuxEnv is the slice of the tmux controller the launcher needs.
type tmuxEnv interface {
	SetEnv(name, key, value string) error
	UnsetEnv(name, key string) error
}

// LaunchSpec names the agent command and its target worktree.
type LaunchSpec struct {
	Command string
	Workdir string
	Org     string
	Repo    string
	Branch  string
	Prompt  string
}

// LaunchResult reports the session the agent was injected into.
type LaunchResult struct {
	Pid             int    `json:"pid"`
	Command         string `json:"command"`
	SessionID       string `json:"sessionId"`
	TmuxSessionName string `json:"tmuxSessionName,omitempty"`
	UsingTmux       bool   `json:"usingTmux"`
	CreatedSession  bool   `json:"createdSession"`
}

type Launcher struct {
	engine sessionEngine
	tmux   tmuxEnv
	plans  *PlanStore
	logger *slog.Logger
}

func NewLauncher(engine sessionEngine, tmux tmuxEnv, plans *PlanStore, logger *slog.Logger) *Launcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Launcher{engine: engine, tmux: tmux, plans: plans, logger: logger}
}

// LaunchAgentProcess spawns a fresh automation session for the triple
// and queues the agent command into it, with the prompt reachable via
// the session environment.
func (l *Launcher) LaunchAgentProcess(spec LaunchSpec) (*LaunchResult, error) {
	command := strings.TrimSpace(spec.Command)
	if command == "" {
		return nil, ErrMissingCommand
	}
	if spec.Workdir == "" || spec.Org == "" || spec.Repo == "" || spec.Branch == "" {
		return nil, ErrMissingTarget
	}

	sess, err := l.engine.CreateIsolatedTerminalSession(spec.Workdir, spec.Org, spec.Repo, spec.Branch)
	if err != nil {
		return nil, err
	}

	if sess.WorktreePath != "" && spec.Prompt != "" && l.plans != nil {
		if _, err := l.plans.Write(sess.WorktreePath, spec.Branch, spec.Prompt); err != nil {
			l.logger.Warn("failed to write plan file", "branch", spec.Branch, "err", err)
		}
	}

	// Prompt environment: tmux set-environment when possible, shell
	// export otherwise. A tmux-control failure falls back to the export.
	exportStmt := ""
	if sess.UsingTmux && sess.TmuxSessionName != "" {
		var envErr error
		if spec.Prompt != "" {
			envErr = l.tmux.SetEnv(sess.TmuxSessionName, promptEnvVar, spec.Prompt)
		} else {
			envErr = l.tmux.UnsetEnv(sess.TmuxSessionName, promptEnvVar)
		}
		if envErr != nil {
			l.logger.Warn("tmux prompt env failed, falling back to shell export", "session", sess.TmuxSessionName, "err", envErr)
			exportStmt = exportStatement(spec.Prompt)
		}
	} else {
		exportStmt = exportStatement(spec.Prompt)
	}

	if exportStmt != "" {
		_ = l.engine.EnqueueInput(sess.ID, NormalizeInput(exportStmt))
	}

	commandLine := command
	if spec.Prompt != "" {
		commandLine = command + " " + ShellQuote(spec.Prompt)
	}
	_ = l.engine.EnqueueInput(sess.ID, NormalizeInput(commandLine))

	return &LaunchResult{
		Pid:             sess.Pid(),
		Command:         command,
		SessionID:       sess.ID,
		TmuxSessionName: sess.TmuxSessionName,
		UsingTmux:       sess.UsingTmux,
		CreatedSession:  true,
	}, nil
}

// exportStatement yields the shell statement that installs (or removes)
// the prompt variable for non-tmux sessions.
func exportStatement(prompt string) string {
	if prompt == "" {
		return "unset " + promptEnvVar
	}
	return "export " + promptEnvVar + "=" + ShellQuote(prompt)
}

// ShellQuote wraps s in single quotes, POSIX-safe: every embedded
// single quote is replaced by the '\'' idiom.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// NormalizeInput converts line endings for PTY delivery: CRLF collapses
// to LF, every LF becomes CR, and a trailing CR is guaranteed.
func NormalizeInput(line string) []byte {
	line = strings.ReplaceAll(line, "\r\n", "\n")
	line = strings.ReplaceAll(line, "\n", "\r")
	if !strings.HasSuffix(line, "\r") {
		line += "\r"
	}
	return []byte(line)
}
