package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	appconfig "polyflow/config"
	"polyflow/internal/channel"
	"polyflow/logger"
	"polyflow/subscription"
)

// State is the connection manager lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateBackoff
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	case StateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Conn is the subset of the websocket connection the manager needs. Closing
// the connection from another goroutine unblocks a pending ReadMessage, which
// is how reads are cancelled cooperatively.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer establishes a connection to the market stream.
type Dialer func(ctx context.Context, url string) (Conn, error)

func gorillaDial(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Manager owns the single persistent market stream. It reconnects with capped
// exponential backoff, re-sends the full subscription set after every
// connect, sends incremental subscribe/unsubscribe commands while connected,
// and demultiplexes inbound messages into the book event channel.
type Manager struct {
	cfg      *appconfig.Config
	subs     *subscription.Set
	channels *channel.Channels
	dial     Dialer

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	conn    Conn

	writeMu sync.Mutex
	state   atomic.Int32
	lastMsg atomic.Int64 // unix nanos of last inbound frame

	backoff *backoff.Backoff
	log     *logger.Log
}

func NewManager(cfg *appconfig.Config, subs *subscription.Set, channels *channel.Channels) *Manager {
	return &Manager{
		cfg:      cfg,
		subs:     subs,
		channels: channels,
		dial:     gorillaDial,
		wg:       &sync.WaitGroup{},
		backoff: &backoff.Backoff{
			Min:    cfg.Stream.BackoffBase,
			Max:    cfg.Stream.BackoffCap,
			Factor: 2,
			Jitter: true,
		},
		log: logger.GetLogger(),
	}
}

// Start launches the connection loop.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("stream manager already running")
	}
	m.running = true
	m.ctx = ctx
	m.mu.Unlock()

	m.log.WithComponent("stream_manager").WithFields(logger.Fields{
		"url":                m.cfg.Stream.URL,
		"heartbeat_interval": m.cfg.Stream.HeartbeatInterval,
		"heartbeat_timeout":  m.cfg.Stream.HeartbeatTimeout,
	}).Info("starting stream manager")

	m.wg.Add(1)
	go m.run()

	return nil
}

// Stop waits for the connection loop to exit. The caller cancels the context
// first; no reconnect is attempted afterwards.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.running = false
	m.mu.Unlock()

	m.log.WithComponent("stream_manager").Info("stopping stream manager")
	m.wg.Wait()
	m.log.WithComponent("stream_manager").Info("stream manager stopped")
}

// State reports the current lifecycle state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

func (m *Manager) setState(s State) {
	m.state.Store(int32(s))
}

// Subscribe sends an incremental subscribe command when connected. When not
// connected this is a no-op: the subscription set is the source of truth and
// is replayed in full on the next connect.
func (m *Manager) Subscribe(ids []string) {
	m.sendCommand("subscribe", ids)
}

// Unsubscribe mirrors Subscribe for removals.
func (m *Manager) Unsubscribe(ids []string) {
	m.sendCommand("unsubscribe", ids)
}

func (m *Manager) sendCommand(action string, ids []string) {
	if len(ids) == 0 {
		return
	}

	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()
	if conn == nil || m.State() != StateConnected {
		return
	}

	payload, err := json.Marshal(wsCommand{AssetIDs: ids, Type: "market", Action: action})
	if err != nil {
		return
	}
	if err := m.write(conn, payload); err != nil {
		// The read loop will notice the dead socket and reconnect; the set
		// is replayed in full then.
		m.log.WithComponent("stream_manager").WithError(err).WithFields(logger.Fields{
			"action": action,
			"count":  len(ids),
		}).Warn("failed to send subscription command")
		return
	}

	m.log.WithComponent("stream_manager").WithFields(logger.Fields{
		"action": action,
		"count":  len(ids),
	}).Info("subscription command sent")
}

func (m *Manager) write(conn Conn, payload []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// run is the connect/reconnect state machine. On entering CONNECTED the full
// subscription set replay is sent on the new socket; commands for diffs
// applied while it is in flight are serialized around it by writeMu.
func (m *Manager) run() {
	defer m.wg.Done()
	defer m.setState(StateShutdown)

	log := m.log.WithComponent("stream_manager").WithFields(logger.Fields{"worker": "connection_loop"})

	for {
		if m.ctx.Err() != nil {
			return
		}

		m.setState(StateConnecting)
		conn, err := m.dial(m.ctx, m.cfg.Stream.URL)
		if err != nil {
			if m.ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("failed to connect stream, backing off")
			if !m.waitBackoff() {
				return
			}
			continue
		}

		// Publish the connection and enter CONNECTED before sending the
		// replay so incremental commands issued in the meantime hit the
		// wire instead of being dropped as not-connected. The replay reads
		// the set and writes under writeMu, so a concurrent diff is ordered
		// entirely before or entirely after it; either order converges.
		m.mu.Lock()
		m.conn = conn
		m.mu.Unlock()
		m.lastMsg.Store(time.Now().UnixNano())
		m.setState(StateConnected)
		connectedAt := time.Now()
		log.Info("stream connected")

		if err := m.resubscribe(conn); err != nil {
			m.mu.Lock()
			m.conn = nil
			m.mu.Unlock()
			conn.Close()
			log.WithError(err).Warn("failed to resubscribe after connect, backing off")
			if !m.waitBackoff() {
				return
			}
			continue
		}

		readErr := m.readLoop(conn)

		m.mu.Lock()
		m.conn = nil
		m.mu.Unlock()
		conn.Close()

		if m.ctx.Err() != nil {
			return
		}

		// A stable session resets the attempt counter so a one-off drop
		// retries quickly.
		if time.Since(connectedAt) >= m.cfg.Stream.StabilityWindow {
			m.backoff.Reset()
		}

		log.WithError(readErr).Warn("stream connection lost, backing off")
		logger.IncrementReconnect()
		if !m.waitBackoff() {
			return
		}
	}
}

// resubscribe re-sends the complete subscription set on a fresh connection.
// The server keeps no subscription state across connections. The set snapshot
// and the write happen under writeMu as one unit: a diff applied concurrently
// is either already in the snapshot or its incremental command is serialized
// after the replay, never lost between the two.
func (m *Manager) resubscribe(conn Conn) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	ids := m.subs.AssetIDs()
	if len(ids) == 0 {
		return nil
	}

	payload, err := json.Marshal(wsCommand{AssetIDs: ids, Type: "market", Action: "subscribe"})
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return err
	}

	m.log.WithComponent("stream_manager").WithFields(logger.Fields{"count": len(ids)}).Info("full subscription set re-sent")
	return nil
}

func (m *Manager) waitBackoff() bool {
	m.setState(StateBackoff)
	delay := m.backoff.Duration()
	select {
	case <-time.After(delay):
		return true
	case <-m.ctx.Done():
		return false
	}
}

// readLoop consumes inbound frames until the connection dies. A heartbeat
// goroutine pings on a fixed interval and closes the connection when no
// frame arrived within the timeout, which unblocks the pending read.
func (m *Manager) readLoop(conn Conn) error {
	stop := make(chan struct{})
	defer close(stop)
	go m.heartbeat(conn, stop)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		m.lastMsg.Store(time.Now().UnixNano())
		m.handleMessage(msg)
	}
}

func (m *Manager) heartbeat(conn Conn, stop <-chan struct{}) {
	log := m.log.WithComponent("stream_manager").WithFields(logger.Fields{"worker": "heartbeat"})

	ticker := time.NewTicker(m.cfg.Stream.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-m.ctx.Done():
			conn.Close()
			return
		case <-ticker.C:
			silence := time.Since(time.Unix(0, m.lastMsg.Load()))
			if silence > m.cfg.Stream.HeartbeatTimeout {
				log.WithFields(logger.Fields{"silence": silence}).Warn("heartbeat timeout, forcing reconnect")
				conn.Close()
				return
			}
			if err := m.write(conn, pingPayload); err != nil {
				log.WithError(err).Warn("failed to send heartbeat ping")
			}
		}
	}
}
