package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"sync"
	"time"

	"golang.ngrok.com/ngrok"
	"golang.ngrok.com/ngrok/config"
)

var ErrNoAuthToken = errors.New("tunnel auth token not configured")

// Forwarder is the slice of the upstream listener the manager relies
// on: a public URL and teardown.
type Forwarder interface {
	URL() string
	Close() error
}

// ForwardSpec carries the upstream SDK parameters.
type ForwardSpec struct {
	Addr      string
	Authtoken string
	Proto     string
	Schemes   []string
}

// ForwardFunc opens one reverse tunnel. The production implementation
// drives the ngrok SDK; tests substitute a fake.
type ForwardFunc func(ctx context.Context, spec ForwardSpec) (Forwarder, error)

// Tunnel is the externally observable record of one open tunnel.
type Tunnel struct {
	Port      int       `json:"port"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"createdAt"`
}

type entry struct {
	forwarder Forwarder
	details   Tunnel
}

// Manager tracks open tunnels by port. Opening a port that already has
// a tunnel replaces it; close errors during replacement are swallowed.
type Manager struct {
	mu        sync.Mutex
	authToken string
	forward   ForwardFunc
	tunnels   map[int]*entry
	runPorts  CommandRunner
	logger    *slog.Logger
}

func NewManager(authToken string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		authToken: authToken,
		forward:   ngrokForward,
		tunnels:   make(map[int]*entry),
		logger:    logger,
	}
}

// NewManagerWithForward substitutes the upstream SDK, for tests.
func NewManagerWithForward(authToken string, forward ForwardFunc, logger *slog.Logger) *Manager {
	m := NewManager(authToken, logger)
	m.forward = forward
	return m
}

// Open forwards local port to a fresh public endpoint and returns its
// details. Any pre-existing tunnel on the same port is closed first.
func (m *Manager) Open(ctx context.Context, port int) (Tunnel, error) {
	if m.authToken == "" {
		return Tunnel{}, ErrNoAuthToken
	}
	if port < 1 || port > 65535 {
		return Tunnel{}, fmt.Errorf("invalid port: %d", port)
	}

	m.mu.Lock()
	if old, ok := m.tunnels[port]; ok {
		delete(m.tunnels, port)
		if err := old.forwarder.Close(); err != nil {
			m.logger.Debug("failed to close replaced tunnel", "port", port, "err", err)
		}
	}
	m.mu.Unlock()

	fwd, err := m.forward(ctx, ForwardSpec{
		Addr:      fmt.Sprintf("localhost:%d", port),
		Authtoken: m.authToken,
		Proto:     "http",
		Schemes:   []string{"https"},
	})
	if err != nil {
		return Tunnel{}, fmt.Errorf("failed to open tunnel for port %d: %w", port, err)
	}
	if fwd == nil || fwd.URL() == "" {
		if fwd != nil {
			_ = fwd.Close()
		}
		return Tunnel{}, fmt.Errorf("tunnel provider returned an unusable listener for port %d", port)
	}

	details := Tunnel{Port: port, URL: fwd.URL(), CreatedAt: time.Now()}
	m.mu.Lock()
	m.tunnels[port] = &entry{forwarder: fwd, details: details}
	m.mu.Unlock()

	m.logger.Info("tunnel opened", "port", port, "url", details.URL)
	return details, nil
}

// Close tears down the tunnel on port.
func (m *Manager) Close(port int) error {
	m.mu.Lock()
	e, ok := m.tunnels[port]
	delete(m.tunnels, port)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no tunnel open on port %d", port)
	}
	if err := e.forwarder.Close(); err != nil {
		return fmt.Errorf("failed to close tunnel on port %d: %w", port, err)
	}
	m.logger.Info("tunnel closed", "port", port)
	return nil
}

// CloseAll tears down every tracked tunnel, swallowing close errors.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	entries := m.tunnels
	m.tunnels = make(map[int]*entry)
	m.mu.Unlock()
	for port, e := range entries {
		if err := e.forwarder.Close(); err != nil {
			m.logger.Debug("failed to close tunnel", "port", port, "err", err)
		}
	}
}

// List returns the open tunnels, ordered by port.
func (m *Manager) List() []Tunnel {
	m.mu.Lock()
	out := make([]Tunnel, 0, len(m.tunnels))
	for _, e := range m.tunnels {
		out = append(out, e.details)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

// ListPorts enumerates this host's listening TCP ports.
func (m *Manager) ListPorts() ([]int, error) {
	return ListActivePorts(m.runPorts)
}

// ngrokForward drives the upstream SDK: a forwarder from the public
// edge to the local addr.
func ngrokForward(ctx context.Context, spec ForwardSpec) (Forwarder, error) {
	backend, err := url.Parse("http://" + spec.Addr)
	if err != nil {
		return nil, err
	}

	var endpoint config.Tunnel
	switch spec.Proto {
	case "http", "":
		var opts []config.HTTPEndpointOption
		for _, scheme := range spec.Schemes {
			if scheme == "https" {
				opts = append(opts, config.WithScheme(config.SchemeHTTPS))
			}
		}
		if len(opts) == 0 {
			// HTTP proto defaults to HTTPS edges.
			opts = append(opts, config.WithScheme(config.SchemeHTTPS))
		}
		endpoint = config.HTTPEndpoint(opts...)
	case "tcp":
		endpoint = config.TCPEndpoint()
	default:
		return nil, fmt.Errorf("unsupported tunnel proto: %s", spec.Proto)
	}

	fwd, err := ngrok.ListenAndForward(ctx, backend, endpoint, ngrok.WithAuthtoken(spec.Authtoken))
	if err != nil {
		return nil, err
	}
	return fwd, nil
}
