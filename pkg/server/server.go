package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/fleetlink/fleetlink/pkg/config"
	"github.com/fleetlink/fleetlink/pkg/console"
	"github.com/fleetlink/fleetlink/pkg/errdefs"
	"github.com/fleetlink/fleetlink/pkg/metrics"
	"github.com/fleetlink/fleetlink/pkg/rest"
)

// Status is the console connection state of a server.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Gateway is the REST surface the server manager needs.
type Gateway interface {
	GetServerConnectionDetails(ctx context.Context, serverID int64) (*rest.ConnectionDetails, error)
}

// Manager tracks one game server: its descriptor, heartbeat liveness, and
// at most one console connection with reconnect on abnormal close.
type Manager struct {
	id      int64
	cfg     *config.Config
	gateway Gateway
	clock   clockwork.Clock
	logger  zerolog.Logger

	onConnect func(*console.Connection)
	onUpdate  func(*Manager)

	mu          sync.Mutex
	name        string
	fleet       string
	playability string
	players     []rest.Player
	status      Status
	conn        *console.Connection
	missed      int
	hbStop      chan struct{}
	stopCh      chan struct{}
	disposed    bool
}

// Options configure a server manager.
type Options struct {
	ID      int64
	Name    string
	Fleet   string
	Gateway Gateway
	Config  *config.Config
	Clock   clockwork.Clock
	Logger  zerolog.Logger

	// OnConnect fires each time the console reaches the open state.
	OnConnect func(*console.Connection)
	// OnUpdate fires after every descriptor refresh.
	OnUpdate func(*Manager)
}

// NewManager creates a server manager in the disconnected state.
func NewManager(opts Options) *Manager {
	return &Manager{
		id:        opts.ID,
		name:      opts.Name,
		fleet:     opts.Fleet,
		cfg:       opts.Config,
		gateway:   opts.Gateway,
		clock:     opts.Clock,
		logger:    opts.Logger.With().Int64("server_id", opts.ID).Logger(),
		onConnect: opts.OnConnect,
		onUpdate:  opts.OnUpdate,
	}
}

// ID returns the server id.
func (m *Manager) ID() int64 { return m.id }

// Name returns the last known server name.
func (m *Manager) Name() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.name
}

// Fleet returns the server's fleet tag.
func (m *Manager) Fleet() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fleet
}

// Status returns the connection state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Connection returns the live console connection, or nil when
// disconnected.
func (m *Manager) Connection() *console.Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn
}

// MissedHeartbeats returns the current missed-heartbeat count.
func (m *Manager) MissedHeartbeats() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.missed
}

// Connect obtains console connection details and opens the console. It
// returns ErrConsoleRefused when the platform disallows the connection or
// omits the endpoint.
func (m *Manager) Connect(ctx context.Context) (*console.Connection, error) {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return nil, errdefs.ErrClosed
	}
	if m.status != StatusDisconnected {
		conn := m.conn
		m.mu.Unlock()
		return conn, nil
	}
	m.status = StatusConnecting
	m.mu.Unlock()

	conn, err := m.open(ctx)
	if err != nil {
		m.mu.Lock()
		if m.status == StatusConnecting {
			m.status = StatusDisconnected
			m.conn = nil
		}
		m.mu.Unlock()
		return nil, err
	}
	return conn, nil
}

func (m *Manager) open(ctx context.Context) (*console.Connection, error) {
	details, err := m.gateway.GetServerConnectionDetails(ctx, m.id)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection details for server %d: %w", m.id, err)
	}
	if !details.Allowed || details.Connection == nil || details.Token == "" {
		return nil, fmt.Errorf("%w: server %d", errdefs.ErrConsoleRefused, m.id)
	}

	conn := console.New(console.Options{
		ServerID: m.id,
		Address:  details.Connection.Address,
		Port:     details.Connection.WebsocketPort,
		Token:    details.Token,
		Logger:   m.logger,
		OnOpen:   func() { m.handleOpen() },
		OnClose:  func(code int) { m.handleConsoleClose(code) },
	})

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()

	if err := conn.Open(ctx); err != nil {
		m.mu.Lock()
		if m.conn == conn {
			m.conn = nil
		}
		m.mu.Unlock()
		return nil, err
	}
	return conn, nil
}

func (m *Manager) handleOpen() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.status = StatusConnected
	conn := m.conn
	m.mu.Unlock()

	m.logger.Info().Msg("server console connected")
	if m.onConnect != nil && conn != nil {
		m.onConnect(conn)
	}
}

// handleConsoleClose reacts to the console socket dying. A normal close
// is terminal for this attempt; anything else schedules a reconnect.
func (m *Manager) handleConsoleClose(code int) {
	if code == 1000 {
		m.Disconnect()
		return
	}

	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.status = StatusDisconnected
	m.conn = nil
	m.mu.Unlock()

	m.logger.Warn().Int("code", code).
		Dur("retry_in", m.cfg.ServerConnectionRecoveryDelay).
		Msg("server console closed abnormally, scheduling reconnect")
	go m.reconnectLoop()
}

// reconnectLoop retries the console connection indefinitely until it
// opens or the manager is disposed.
func (m *Manager) reconnectLoop() {
	for {
		select {
		case <-m.clock.After(m.cfg.ServerConnectionRecoveryDelay):
		case <-m.disposedCh():
			return
		}

		m.mu.Lock()
		if m.disposed || m.status != StatusDisconnected {
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		if _, err := m.Connect(context.Background()); err != nil {
			m.logger.Error().Err(err).
				Dur("retry_in", m.cfg.ServerConnectionRecoveryDelay).
				Msg("server console reconnect failed")
			continue
		}
		return
	}
}

// disposedCh returns a channel closed at dispose time. Built lazily so
// the zero manager stays cheap.
func (m *Manager) disposedCh() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopCh == nil {
		m.stopCh = make(chan struct{})
	}
	return m.stopCh
}

// Update refreshes the descriptor from a server status and emits the
// update callback.
func (m *Manager) Update(status *rest.ServerStatus) {
	m.mu.Lock()
	if status.Name != "" {
		m.name = status.Name
	}
	if status.Fleet != "" {
		m.fleet = status.Fleet
	}
	m.playability = status.Playability
	m.players = status.OnlinePlayers
	m.mu.Unlock()

	if m.onUpdate != nil {
		m.onUpdate(m)
	}
}

// ResetHeartbeat zeroes the missed counter and restarts the fixed-period
// heartbeat watchdog. Each silent period increments the counter; reaching
// the budget disconnects the console and stops the watchdog.
func (m *Manager) ResetHeartbeat() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.missed = 0
	if m.hbStop != nil {
		close(m.hbStop)
	}
	stop := make(chan struct{})
	m.hbStop = stop
	m.mu.Unlock()

	go m.heartbeatWatchdog(stop)
}

// ClearHeartbeat stops the heartbeat watchdog without touching the
// console.
func (m *Manager) ClearHeartbeat() {
	m.mu.Lock()
	if m.hbStop != nil {
		close(m.hbStop)
		m.hbStop = nil
	}
	m.mu.Unlock()
}

func (m *Manager) heartbeatWatchdog(stop chan struct{}) {
	ticker := m.clock.NewTicker(m.cfg.ServerHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			m.mu.Lock()
			m.missed++
			missed := m.missed
			m.mu.Unlock()

			if missed >= m.cfg.MaxMissedServerHeartbeats {
				m.logger.Warn().Int("missed", missed).Msg("server heartbeats lost, disconnecting console")
				metrics.HeartbeatDisconnectsTotal.Inc()
				m.ClearHeartbeat()
				m.Disconnect()
				return
			}
		case <-stop:
			return
		}
	}
}

// Disconnect closes the console connection. Idempotent.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.status == StatusDisconnected && m.conn == nil {
		m.mu.Unlock()
		return
	}
	conn := m.conn
	m.conn = nil
	m.status = StatusDisconnected
	m.mu.Unlock()

	if conn != nil {
		conn.Dispose()
	}
	m.logger.Info().Msg("server console disconnected")
}

// Dispose stops the watchdog and closes the console. Idempotent.
func (m *Manager) Dispose() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.disposed = true
	if m.stopCh != nil {
		close(m.stopCh)
	}
	m.mu.Unlock()

	m.ClearHeartbeat()
	m.Disconnect()
}
