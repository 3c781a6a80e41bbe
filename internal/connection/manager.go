// Package connection owns the link to the agent backend: which endpoint to
// talk to, whether it is alive, and the event stream bound to it.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"github.com/user/agentlink/internal/agentapi"
	"github.com/user/agentlink/internal/backend"
	"github.com/user/agentlink/internal/bus"
	"github.com/user/agentlink/internal/stream"
	"github.com/user/agentlink/internal/types"
)

type Phase string

const (
	PhaseDisconnected Phase = "disconnected"
	PhaseConnecting   Phase = "connecting"
	PhaseConnected    Phase = "connected"
	PhaseError        Phase = "error"
)

var (
	// ErrNotConnected is returned by commands issued without a live client.
	ErrNotConnected = errors.New("not connected to agent backend")
	// ErrSuperseded is returned by a connect attempt that a disconnect or
	// a newer connect overtook.
	ErrSuperseded = errors.New("connect superseded")
)

// State is the connection as observed by the rest of the program. Endpoint
// is set only while connecting or connected.
type State struct {
	Phase    Phase  `json:"phase"`
	Version  string `json:"version,omitempty"`
	Message  string `json:"message,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
}

type ModeKind string

const (
	ModeLocal  ModeKind = "local"
	ModeRemote ModeKind = "remote"
)

// Mode selects where the backend lives.
type Mode struct {
	Kind ModeKind `json:"kind"`
	URL  string   `json:"url,omitempty"`
}

func (m Mode) Validate() error {
	switch m.Kind {
	case ModeLocal:
		return nil
	case ModeRemote:
		if m.URL == "" {
			return errors.New("remote mode requires a URL")
		}
		return nil
	}
	return fmt.Errorf("unknown connection mode %q", m.Kind)
}

// API is the part of the agent client the manager and its users need.
type API interface {
	stream.Source
	Health(ctx context.Context) (*agentapi.Health, error)
	ListSessions(ctx context.Context) ([]types.Session, error)
	CreateSession(ctx context.Context, req agentapi.CreateSessionRequest) (*types.Session, error)
	UpdateSession(ctx context.Context, id types.SessionID, title string) (*types.Session, error)
	DeleteSession(ctx context.Context, id types.SessionID) error
	ListMessages(ctx context.Context, id types.SessionID) ([]types.Message, error)
	SendMessage(ctx context.Context, id types.SessionID, req agentapi.PromptRequest) error
	Abort(ctx context.Context, id types.SessionID) error
}

// Backend is the status source that drives local-mode policy.
type Backend interface {
	Current() backend.Status
	Subscribe(fn func(backend.Change)) (unsubscribe func())
}

type Options struct {
	Mode        Mode
	AutoConnect bool

	// ProbeTimeout bounds every health probe.
	ProbeTimeout time.Duration
	// LivenessInterval is the period of the liveness re-check; zero
	// disables it.
	LivenessInterval time.Duration

	// Stream configures the consumer created for each connection. Its
	// ShouldReconnect and OnHealth are owned by the manager.
	Stream stream.Options

	NewClient func(endpoint string) API
	Settings  types.SettingsStore
	Logger    *slog.Logger
}

// Manager holds at most one client and one event stream consumer, both
// bound to the endpoint that produced the current Connected state.
type Manager struct {
	opts    Options
	backend Backend
	logger  *slog.Logger

	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()
	group       singleflight.Group
	states      *bus.Bus[State]
	health      *bus.Bus[stream.Health]

	mu       sync.Mutex
	state    State
	mode     Mode
	gen      uint64
	client   API
	consumer *stream.Consumer
	cron     *cron.Cron
}

// New creates a disconnected manager and subscribes it to b.
func New(b Backend, opts Options) *Manager {
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 3 * time.Second
	}
	if opts.Mode.Kind == "" {
		opts.Mode.Kind = ModeLocal
	}
	if opts.NewClient == nil {
		opts.NewClient = func(endpoint string) API { return agentapi.New(endpoint) }
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		opts:    opts,
		backend: b,
		logger:  logger.With("component", "connection"),
		ctx:     ctx,
		cancel:  cancel,
		states:  bus.New[State]("connection"),
		health:  bus.New[stream.Health]("stream-health"),
		state:   State{Phase: PhaseDisconnected},
		mode:    opts.Mode,
	}
	m.unsubscribe = b.Subscribe(m.onBackendChange)
	return m
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// Subscribe registers fn for connection state changes.
func (m *Manager) Subscribe(fn func(State)) (unsubscribe func()) {
	return m.states.Subscribe(fn)
}

// SubscribeStream registers fn for event stream health changes.
func (m *Manager) SubscribeStream(fn func(stream.Health)) (unsubscribe func()) {
	return m.health.Subscribe(fn)
}

// Connect resolves the endpoint, probes it and, on success, starts the
// event stream and liveness check. Concurrent calls for the same endpoint
// share one attempt; calls while connecting or connected are no-ops.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state.Phase == PhaseConnected || m.state.Phase == PhaseConnecting {
		m.mu.Unlock()
		return nil
	}
	endpoint, err := m.endpointLocked()
	if err != nil {
		m.teardownLocked()
		m.setStateLocked(State{Phase: PhaseError, Message: err.Error()})
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	_, err, _ = m.group.Do("connect "+endpoint, func() (any, error) {
		return nil, m.connect(ctx, endpoint)
	})
	return err
}

func (m *Manager) connect(ctx context.Context, endpoint string) error {
	m.mu.Lock()
	if m.state.Phase == PhaseConnected || m.state.Phase == PhaseConnecting {
		m.mu.Unlock()
		return nil
	}
	m.gen++
	gen := m.gen
	client := m.opts.NewClient(endpoint)
	m.setStateLocked(State{Phase: PhaseConnecting, Endpoint: endpoint})
	m.mu.Unlock()

	m.logger.Info("connecting", "endpoint", endpoint)
	probeCtx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	health, err := client.Health(probeCtx)
	cancel()

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		m.logger.Debug("discarding stale probe result", "endpoint", endpoint)
		return ErrSuperseded
	}
	if err != nil {
		m.client = nil
		m.setStateLocked(State{Phase: PhaseError, Message: err.Error()})
		m.mu.Unlock()
		m.logger.Warn("connect failed", "endpoint", endpoint, "error", err)
		return fmt.Errorf("connect %s: %w", endpoint, err)
	}

	opts := m.opts.Stream
	opts.ShouldReconnect = func() bool { return m.isCurrent(gen) }
	opts.OnHealth = m.health.Publish
	if opts.Logger == nil {
		opts.Logger = m.opts.Logger
	}
	consumer := stream.New(client, opts)

	m.client = client
	m.consumer = consumer
	m.cron = m.startLiveness(gen)
	m.setStateLocked(State{Phase: PhaseConnected, Version: health.Version, Endpoint: endpoint})
	m.mu.Unlock()

	m.logger.Info("connected", "endpoint", endpoint, "version", health.Version)
	consumer.Start()
	return nil
}

// Disconnect tears down the stream, liveness check and client. It returns
// after the stream has released its connection.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	consumer := m.teardownLocked()
	m.setStateLocked(State{Phase: PhaseDisconnected})
	m.mu.Unlock()

	if consumer != nil {
		consumer.Close()
		m.logger.Info("disconnected")
	}
}

// SetMode switches between local and remote backends. Remote connects
// immediately; local connects once a backend is running.
func (m *Manager) SetMode(ctx context.Context, mode Mode) error {
	if err := mode.Validate(); err != nil {
		return err
	}
	m.Disconnect()

	m.mu.Lock()
	m.mode = mode
	m.mu.Unlock()

	if err := m.persistMode(mode); err != nil {
		return err
	}

	if mode.Kind == ModeRemote {
		return m.Connect(ctx)
	}
	if m.opts.AutoConnect && m.backend.Current().IsRunning() {
		return m.Connect(ctx)
	}
	return nil
}

func (m *Manager) persistMode(mode Mode) error {
	if m.opts.Settings == nil {
		return nil
	}
	if err := m.opts.Settings.Set("backend.mode", string(mode.Kind)); err != nil {
		return fmt.Errorf("persist connection mode: %w", err)
	}
	if mode.Kind == ModeRemote {
		if err := m.opts.Settings.Set("backend.remote_url", mode.URL); err != nil {
			return fmt.Errorf("persist remote url: %w", err)
		}
	}
	return nil
}

// StreamHealth returns the event stream's health, or an idle snapshot when
// there is no stream.
func (m *Manager) StreamHealth() stream.Health {
	m.mu.Lock()
	consumer := m.consumer
	m.mu.Unlock()
	if consumer == nil {
		return stream.Health{Phase: stream.PhaseIdle}
	}
	return consumer.Health()
}

// ReconnectStream restarts the event stream with a fresh attempt budget.
func (m *Manager) ReconnectStream() error {
	m.mu.Lock()
	consumer := m.consumer
	m.mu.Unlock()
	if consumer == nil {
		return ErrNotConnected
	}
	consumer.ReconnectNow()
	return nil
}

// Client returns the live client.
func (m *Manager) Client() (API, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil || m.state.Phase != PhaseConnected {
		return nil, ErrNotConnected
	}
	return m.client, nil
}

// Close disconnects and stops following the backend.
func (m *Manager) Close() {
	m.unsubscribe()
	m.cancel()
	m.Disconnect()
	m.states.Close()
	m.health.Close()
}

func (m *Manager) onBackendChange(ch backend.Change) {
	m.mu.Lock()
	mode, phase, endpoint := m.mode, m.state.Phase, m.state.Endpoint
	m.mu.Unlock()

	if mode.Kind != ModeLocal {
		return
	}

	switch {
	case ch.Current.IsRunning():
		if !m.opts.AutoConnect {
			return
		}
		want := localEndpoint(ch.Current.Port)
		if (phase == PhaseConnected || phase == PhaseConnecting) && endpoint != want {
			m.logger.Info("backend moved, reconnecting", "from", endpoint, "to", want)
			m.Disconnect()
			phase = PhaseDisconnected
		}
		if phase == PhaseDisconnected || phase == PhaseError {
			if err := m.Connect(m.ctx); err != nil && !errors.Is(err, ErrSuperseded) {
				m.logger.Warn("auto-connect failed", "error", err)
			}
		}
	case ch.Current.Down():
		if phase != PhaseDisconnected {
			m.Disconnect()
		}
	}
}

func (m *Manager) endpointLocked() (string, error) {
	if m.mode.Kind == ModeRemote {
		if m.mode.URL == "" {
			return "", errors.New("remote URL not configured")
		}
		return m.mode.URL, nil
	}
	s := m.backend.Current()
	if !s.IsRunning() {
		return "", backend.ErrNotRunning
	}
	return localEndpoint(s.Port), nil
}

// teardownLocked invalidates the current connection and returns the
// consumer, which the caller must close outside the lock.
func (m *Manager) teardownLocked() *stream.Consumer {
	m.gen++
	if m.cron != nil {
		m.cron.Stop()
		m.cron = nil
	}
	m.client = nil
	consumer := m.consumer
	m.consumer = nil
	return consumer
}

func (m *Manager) setStateLocked(s State) {
	if s == m.state {
		return
	}
	m.state = s
	m.states.Publish(s)
}

func (m *Manager) isCurrent(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen && m.state.Phase == PhaseConnected
}

func localEndpoint(port int) string {
	return fmt.Sprintf("http://127.0.0.1:%d", port)
}

// Commands are forwarded to the live client.

func (m *Manager) ListSessions(ctx context.Context) ([]types.Session, error) {
	c, err := m.Client()
	if err != nil {
		return nil, err
	}
	return c.ListSessions(ctx)
}

func (m *Manager) CreateSession(ctx context.Context, req agentapi.CreateSessionRequest) (*types.Session, error) {
	c, err := m.Client()
	if err != nil {
		return nil, err
	}
	return c.CreateSession(ctx, req)
}

func (m *Manager) UpdateSession(ctx context.Context, id types.SessionID, title string) (*types.Session, error) {
	c, err := m.Client()
	if err != nil {
		return nil, err
	}
	return c.UpdateSession(ctx, id, title)
}

func (m *Manager) DeleteSession(ctx context.Context, id types.SessionID) error {
	c, err := m.Client()
	if err != nil {
		return err
	}
	return c.DeleteSession(ctx, id)
}

func (m *Manager) ListMessages(ctx context.Context, id types.SessionID) ([]types.Message, error) {
	c, err := m.Client()
	if err != nil {
		return nil, err
	}
	return c.ListMessages(ctx, id)
}

func (m *Manager) SendMessage(ctx context.Context, id types.SessionID, req agentapi.PromptRequest) error {
	c, err := m.Client()
	if err != nil {
		return err
	}
	return c.SendMessage(ctx, id, req)
}

func (m *Manager) Abort(ctx context.Context, id types.SessionID) error {
	c, err := m.Client()
	if err != nil {
		return err
	}
	return c.Abort(ctx, id)
}
