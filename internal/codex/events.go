// Package codex streams Codex agent events into per-session transcripts
// with an ordered turn queue and on-disk persistence.
//
// The SDK transport itself lives upstream; this package only consumes
// its streamed events through the Thread contract below.
package codex

import "context"

// Upstream event types, as the SDK emits them.
const (
	upThreadStarted = "thread.started"
	upTurnCompleted = "turn.completed"
	upTurnFailed    = "turn.failed"
	upError         = "error"
	upItemStarted   = "item.started"
	upItemUpdated   = "item.updated"
	upItemCompleted = "item.completed"
)

// Upstream item types.
const (
	itemReasoning        = "reasoning"
	itemAgentMessage     = "agent_message"
	itemCommandExecution = "command_execution"
)

// Usage is the token accounting reported per turn.
type Usage struct {
	InputTokens       int `json:"inputTokens"`
	CachedInputTokens int `json:"cachedInputTokens"`
	OutputTokens      int `json:"outputTokens"`
}

// ThreadItem is the nested item payload on item.* events.
type ThreadItem struct {
	ID          string
	Type        string
	Text        string
	Command     string
	OutputDelta string
	ExitCode    *int
}

// ThreadEvent is one streamed upstream event.
type ThreadEvent struct {
	Type     string
	ThreadID string
	Item     *ThreadItem
	Usage    *Usage
	Error    string
}

// Thread is the upstream conversation handle. Implementations stream
// the agent's work for one prompt through RunStreamed.
type Thread interface {
	ID() string
	RunStreamed(ctx context.Context, text string) (<-chan ThreadEvent, error)
}

// ThreadOptions pins a new thread to a working directory and model.
type ThreadOptions struct {
	WorkingDirectory string
	Model            string
}

// ThreadStarter opens upstream threads. The engine holds one so tests
// can substitute a scripted transport.
type ThreadStarter interface {
	StartThread(ctx context.Context, opts ThreadOptions) (Thread, error)
}

// Local transcript event types.
const (
	EventUserMessage   = "user_message"
	EventThinking      = "thinking"
	EventAgentResponse = "agent_response"
	EventUsage         = "usage"
	EventError         = "error"
	EventLog           = "log"
)

// Event is one entry in a session's append-only transcript.
type Event struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	Status    string `json:"status,omitempty"`
	Usage     *Usage `json:"usage,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Session is the persisted projection of one Codex session.
type Session struct {
	ID           string  `json:"id"`
	Label        string  `json:"label"`
	WorktreePath string  `json:"worktreePath"`
	ThreadID     string  `json:"threadId,omitempty"`
	CreatedAt    string  `json:"createdAt"`
	Events       []Event `json:"events"`
}
