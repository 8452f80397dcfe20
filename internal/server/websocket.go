package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/vultuk/agentrix/internal/bus"
	"github.com/vultuk/agentrix/internal/term"
)

// Client → server messages on a session socket.
type wsInbound struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"` // base64 for input
	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`
}

// wsStream adapts a coder/websocket connection to the engine's watcher
// capability contract.
type wsStream struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    int
	closeFns []func()
}

func newWSStream(ctx context.Context, conn *websocket.Conn) *wsStream {
	streamCtx, cancel := context.WithCancel(ctx)
	return &wsStream{
		conn:   conn,
		ctx:    streamCtx,
		cancel: cancel,
		state:  term.StreamOpen,
	}
}

func (s *wsStream) ReadyState() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *wsStream) SendBinary(chunk []byte) error {
	writeCtx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()
	if err := s.conn.Write(writeCtx, websocket.MessageBinary, chunk); err != nil {
		s.markClosed()
		return err
	}
	return nil
}

func (s *wsStream) SendControl(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()
	if err := s.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		s.markClosed()
		return err
	}
	return nil
}

func (s *wsStream) Close() {
	s.markClosed()
	_ = s.conn.Close(websocket.StatusNormalClosure, "")
	s.cancel()
}

func (s *wsStream) Terminate() {
	s.markClosed()
	_ = s.conn.CloseNow()
	s.cancel()
}

func (s *wsStream) OnClose(fn func()) {
	s.mu.Lock()
	if s.state == term.StreamClosed {
		s.mu.Unlock()
		fn()
		return
	}
	s.closeFns = append(s.closeFns, fn)
	s.mu.Unlock()
}

func (s *wsStream) markClosed() {
	s.mu.Lock()
	if s.state == term.StreamClosed {
		s.mu.Unlock()
		return
	}
	s.state = term.StreamClosed
	fns := s.closeFns
	s.closeFns = nil
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

var wsAcceptOptions = &websocket.AcceptOptions{
	OriginPatterns: []string{"100.*.*.*", "*.ts.net", "localhost:*", "127.0.0.1:*"},
}

// handleSessionWS attaches a client socket to a live session: the
// engine pushes the ready frame, output, and the final exit frame; the
// read loop feeds input and resizes back.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing session parameter")
		return
	}
	if _, ok := s.engine.Get(sessionID); !ok {
		writeError(w, http.StatusNotFound, "not_found", "session not found: "+sessionID)
		return
	}

	conn, err := websocket.Accept(w, r, wsAcceptOptions)
	if err != nil {
		s.logger.Error("websocket accept failed", "err", err)
		return
	}
	conn.SetReadLimit(64 * 1024) // 64KB max for terminal input

	stream := newWSStream(r.Context(), conn)
	defer stream.Terminate()

	if err := s.engine.Attach(sessionID, stream); err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, "session closed")
		return
	}
	s.logger.Info("websocket attached", "session", sessionID)

	go s.wsPingLoop(stream)
	s.wsReadLoop(stream, sessionID)
}

func (s *Server) wsPingLoop(stream *wsStream) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stream.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(stream.ctx, 10*time.Second)
			err := stream.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				stream.markClosed()
				stream.cancel()
				return
			}
		}
	}
}

func (s *Server) wsReadLoop(stream *wsStream, sessionID string) {
	defer stream.cancel()
	for {
		_, data, err := stream.conn.Read(stream.ctx)
		if err != nil {
			stream.markClosed()
			return
		}

		var msg wsInbound
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("invalid ws message", "err", err)
			continue
		}

		switch msg.Type {
		case "input":
			decoded, err := base64.StdEncoding.DecodeString(msg.Data)
			if err != nil {
				continue
			}
			if err := s.engine.EnqueueInput(sessionID, decoded); err != nil {
				s.logger.Debug("input enqueue failed", "session", sessionID, "err", err)
			}

		case "resize":
			if err := s.engine.Resize(sessionID, uint16(msg.Cols), uint16(msg.Rows)); err != nil {
				s.logger.Debug("resize failed", "session", sessionID, "err", err)
			}

		default:
			s.logger.Debug("unknown ws message type", "type", msg.Type)
		}
	}
}

// eventsFrame wraps bus payloads for the roster/tasks event socket.
type eventsFrame struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// handleEventsWS streams roster and task updates to a client. The
// current roster is sent immediately on connect.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, wsAcceptOptions)
	if err != nil {
		s.logger.Error("websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	frames := make(chan eventsFrame, 64)
	push := func(topic string) func(any) {
		return func(payload any) {
			select {
			case frames <- eventsFrame{Topic: topic, Payload: payload}:
			default:
				// Slow consumer: drop rather than block the bus.
			}
		}
	}
	unsubSessions := s.bus.Subscribe(bus.TopicSessionsUpdate, push(bus.TopicSessionsUpdate))
	defer unsubSessions()
	unsubTasks := s.bus.Subscribe(bus.TopicTasksUpdate, push(bus.TopicTasksUpdate))
	defer unsubTasks()

	// Initial roster so the client does not wait for the next change.
	frames <- eventsFrame{Topic: bus.TopicSessionsUpdate, Payload: s.engine.Summaries()}

	// Drain client messages to observe disconnects.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-frames:
			data, err := json.Marshal(frame)
			if err != nil {
				continue
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 10*time.Second)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancelWrite()
			if err != nil {
				return
			}
		}
	}
}
