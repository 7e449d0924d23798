// Package transport owns the single live WebSocket session to the
// messaging backend: connect, authenticate, heartbeat, reconnect with
// backoff, and send-with-ack. Inbound server events are handed to the
// chat service over a bounded channel in arrival order.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	// ErrNotConnected means no live session exists; callers queue instead.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrAckTimeout means the server did not acknowledge within the window.
	ErrAckTimeout = errors.New("transport: ack timeout")
	// ErrAuthFailed is fatal: the session is not retried automatically.
	ErrAuthFailed = errors.New("transport: authentication rejected")
	// ErrReconnectExhausted is raised after the reconnect attempt cap.
	ErrReconnectExhausted = errors.New("transport: reconnect attempts exhausted")
)

// wsConn is the subset of *websocket.Conn the manager uses. Tests
// substitute a scripted implementation.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens a WebSocket connection. The *http.Response is consulted
// on failure to distinguish auth rejection from transient errors.
type Dialer func(ctx context.Context, url string, header http.Header) (wsConn, *http.Response, error)

func defaultDialer(ctx context.Context, url string, header http.Header) (wsConn, *http.Response, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, resp, err
	}
	return conn, resp, nil
}

// Options configures the connection manager. All values come from the
// external configuration layer.
type Options struct {
	URL                  string
	AckTimeout           time.Duration
	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration
	BackoffBase          time.Duration
	BackoffMax           time.Duration
	MaxReconnectAttempts int
	Dialer               Dialer
}

type ackResult struct {
	ack AckPayload
	err error
}

// Manager is the single owner of the live transport session. Only one
// reconnect loop may be in flight at a time.
type Manager struct {
	opts Options

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	conn         wsConn
	connCancel   context.CancelFunc
	connected    bool
	reconnecting bool
	authToken    string
	lastActivity time.Time

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan ackResult

	events      chan Event
	connectedCh chan struct{}
	fatalCh     chan error
}

func NewManager(opts Options) *Manager {
	if opts.Dialer == nil {
		opts.Dialer = defaultDialer
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 5 * time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = opts.HeartbeatInterval + 15*time.Second
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 2 * time.Second
	}
	if opts.BackoffMax < opts.BackoffBase {
		opts.BackoffMax = time.Minute
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = 10
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:        opts,
		ctx:         ctx,
		cancel:      cancel,
		pending:     make(map[string]chan ackResult),
		events:      make(chan Event, 64),
		connectedCh: make(chan struct{}, 1),
		fatalCh:     make(chan error, 1),
	}
}

// Connect opens the live session with the supplied bearer token,
// replacing any existing one. Transient dial failures feed the
// reconnect path instead of surfacing to the caller; only a fatal
// authentication rejection is returned.
func (m *Manager) Connect(ctx context.Context, authToken string) error {
	m.mu.Lock()
	m.authToken = authToken
	m.mu.Unlock()

	if err := m.dial(ctx); err != nil {
		if errors.Is(err, ErrAuthFailed) {
			return err
		}
		log.Warn().Err(err).Msg("Initial connect failed, entering reconnect loop")
		m.scheduleReconnect()
	}
	return nil
}

// Events returns the inbound event channel. The chat service is the
// sole consumer.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// ConnectedSignal fires whenever the session transitions from
// disconnected to connected. The sync scheduler drains on it.
func (m *Manager) ConnectedSignal() <-chan struct{} {
	return m.connectedCh
}

// Fatal delivers at most one unrecoverable connectivity error: auth
// rejection or reconnect exhaustion.
func (m *Manager) Fatal() <-chan error {
	return m.fatalCh
}

// Connected reports whether a live session exists.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Close tears the session down and releases all timers and goroutines.
func (m *Manager) Close() error {
	m.cancel()
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.connected = false
	m.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// SendMessage serializes one message frame over the live session and
// waits for the server ack or the ack timeout.
func (m *Manager) SendMessage(ctx context.Context, p MessagePayload) (*Ack, error) {
	frame, err := makeFrame(FrameMessage, p)
	if err != nil {
		return nil, err
	}
	return m.sendWithAck(ctx, frame, p.ClientMessageID)
}

// SetAssistant sends an assistant toggle and waits for the ack.
func (m *Manager) SetAssistant(ctx context.Context, conversationID string, enabled bool) error {
	p := AssistantPayload{
		ConversationID:  conversationID,
		Enabled:         enabled,
		ClientMessageID: uuid.NewString(),
	}
	frame, err := makeFrame(FrameAssistant, p)
	if err != nil {
		return err
	}
	_, err = m.sendWithAck(ctx, frame, p.ClientMessageID)
	return err
}

// SendTyping emits a typing indicator. Fire and forget; no ack.
func (m *Manager) SendTyping(conversationID string, isTyping bool) error {
	frame, err := makeFrame(FrameTyping, TypingPayload{ConversationID: conversationID, IsTyping: isTyping})
	if err != nil {
		return err
	}
	m.mu.Lock()
	conn, connected := m.conn, m.connected
	m.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}
	return m.writeFrame(conn, frame)
}

func (m *Manager) sendWithAck(ctx context.Context, frame Frame, clientID string) (*Ack, error) {
	m.mu.Lock()
	conn, connected := m.conn, m.connected
	m.mu.Unlock()
	if !connected || conn == nil {
		return nil, ErrNotConnected
	}

	ch := make(chan ackResult, 1)
	m.pendingMu.Lock()
	m.pending[clientID] = ch
	m.pendingMu.Unlock()
	defer func() {
		m.pendingMu.Lock()
		delete(m.pending, clientID)
		m.pendingMu.Unlock()
	}()

	if err := m.writeFrame(conn, frame); err != nil {
		return nil, fmt.Errorf("writing %s frame: %w", frame.Type, err)
	}

	timer := time.NewTimer(m.opts.AckTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		if res.ack.Error != "" {
			return nil, fmt.Errorf("server rejected frame %s: %s", clientID, res.ack.Error)
		}
		return &Ack{MessageID: res.ack.MessageID, SentAt: res.ack.SentAt}, nil
	case <-timer.C:
		log.Warn().Str("clientMessageID", clientID).Dur("timeout", m.opts.AckTimeout).Msg("Ack not received in time")
		return nil, ErrAckTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) writeFrame(conn wsConn, frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// dial opens a new connection, replacing any existing session, and
// starts the per-connection reader and heartbeat goroutines.
func (m *Manager) dial(ctx context.Context) error {
	m.mu.Lock()
	token := m.authToken
	if m.connCancel != nil {
		m.connCancel()
		m.connCancel = nil
	}
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.connected = false
	m.mu.Unlock()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := m.opts.Dialer(ctx, m.opts.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return fmt.Errorf("%w: %s", ErrAuthFailed, resp.Status)
		}
		return fmt.Errorf("dialing %s: %w", m.opts.URL, err)
	}

	connCtx, connCancel := context.WithCancel(m.ctx)
	m.mu.Lock()
	m.conn = conn
	m.connCancel = connCancel
	m.connected = true
	m.lastActivity = time.Now()
	m.mu.Unlock()

	// Reader and heartbeat capture conn by value so goroutines from a
	// replaced session cannot touch the new one.
	go m.readLoop(connCtx, conn)
	go m.heartbeat(connCtx, conn)

	select {
	case m.connectedCh <- struct{}{}:
	default:
	}

	log.Info().Str("url", m.opts.URL).Msg("WebSocket session established")
	return nil
}

func (m *Manager) readLoop(connCtx context.Context, conn wsConn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if connCtx.Err() != nil {
				return
			}
			log.Warn().Err(err).Msg("WebSocket read failed")
			m.handleDisconnect(err)
			return
		}
		m.touch()
		m.handleFrame(connCtx, conn, data)
	}
}

// handleFrame decodes one inbound frame. Malformed frames and unknown
// types are logged and dropped without affecting connection state.
func (m *Manager) handleFrame(connCtx context.Context, conn wsConn, data []byte) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		log.Warn().Err(err).Int("bytes", len(data)).Msg("Dropping malformed frame")
		return
	}

	switch frame.Type {
	case FramePong:
		// lastActivity already touched by the read.

	case FramePing:
		pong, _ := makeFrame(FramePong, nil)
		if err := m.writeFrame(conn, pong); err != nil {
			log.Warn().Err(err).Msg("Failed to answer ping")
		}

	case FrameAck:
		var ack AckPayload
		if err := json.Unmarshal(frame.Payload, &ack); err != nil {
			log.Warn().Err(err).Msg("Dropping malformed ack payload")
			return
		}
		m.pendingMu.Lock()
		ch, ok := m.pending[ack.ClientMessageID]
		m.pendingMu.Unlock()
		if !ok {
			log.Debug().Str("clientMessageID", ack.ClientMessageID).Msg("Ack for unknown or expired send")
			return
		}
		select {
		case ch <- ackResult{ack: ack}:
		default:
		}

	case FrameMessage:
		var p InboundMessagePayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			log.Warn().Err(err).Msg("Dropping malformed message payload")
			return
		}
		m.deliverEvent(connCtx, Event{Type: FrameMessage, Message: &p})

	case FrameStatus:
		var p StatusPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			log.Warn().Err(err).Msg("Dropping malformed status payload")
			return
		}
		m.deliverEvent(connCtx, Event{Type: FrameStatus, Status: &p})

	case FrameTyping:
		var p TypingPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			log.Warn().Err(err).Msg("Dropping malformed typing payload")
			return
		}
		m.deliverEvent(connCtx, Event{Type: FrameTyping, Typing: &p})

	case FrameConversation:
		var p ConversationPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			log.Warn().Err(err).Msg("Dropping malformed conversation payload")
			return
		}
		m.deliverEvent(connCtx, Event{Type: FrameConversation, Conversation: &p})

	default:
		log.Warn().Str("type", frame.Type).Msg("Dropping frame of unknown type")
	}
}

// deliverEvent blocks when the consumer lags, making backpressure
// explicit instead of dropping or reordering events.
func (m *Manager) deliverEvent(connCtx context.Context, ev Event) {
	select {
	case m.events <- ev:
	case <-connCtx.Done():
	}
}

func (m *Manager) heartbeat(connCtx context.Context, conn wsConn) {
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-connCtx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			idle := time.Since(m.lastActivity)
			m.mu.Unlock()

			if idle > m.opts.HeartbeatTimeout {
				log.Warn().Dur("idle", idle).Msg("Heartbeat timed out, dropping connection")
				conn.Close()
				return
			}

			ping, _ := makeFrame(FramePing, nil)
			if err := m.writeFrame(conn, ping); err != nil {
				log.Warn().Err(err).Msg("Heartbeat ping failed")
				conn.Close()
				return
			}
		}
	}
}

func (m *Manager) touch() {
	m.mu.Lock()
	m.lastActivity = time.Now()
	m.mu.Unlock()
}

// handleDisconnect transitions to disconnected, fails every in-flight
// send, and starts the reconnect loop.
func (m *Manager) handleDisconnect(cause error) {
	m.mu.Lock()
	wasConnected := m.connected
	m.connected = false
	if m.connCancel != nil {
		m.connCancel()
		m.connCancel = nil
	}
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.mu.Unlock()

	if !wasConnected {
		return
	}

	m.failPending(cause)
	m.scheduleReconnect()
}

func (m *Manager) failPending(cause error) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	for id, ch := range m.pending {
		select {
		case ch <- ackResult{err: fmt.Errorf("connection lost: %w", cause)}:
		default:
		}
		delete(m.pending, id)
	}
}

// scheduleReconnect starts the reconnect loop unless one is already in
// flight or the manager has been closed.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if m.reconnecting || m.ctx.Err() != nil {
		m.mu.Unlock()
		return
	}
	m.reconnecting = true
	m.mu.Unlock()

	go m.reconnectLoop()
}

func (m *Manager) reconnectLoop() {
	defer func() {
		m.mu.Lock()
		m.reconnecting = false
		m.mu.Unlock()
	}()

	delay := m.opts.BackoffBase
	for attempt := 1; attempt <= m.opts.MaxReconnectAttempts; attempt++ {
		timer := time.NewTimer(delay)
		select {
		case <-m.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("Attempting reconnect")

		err := m.dial(m.ctx)
		if err == nil {
			log.Info().Int("attempt", attempt).Msg("Reconnected")
			return
		}
		if errors.Is(err, ErrAuthFailed) {
			m.reportFatal(err)
			return
		}

		log.Warn().Err(err).Int("attempt", attempt).Int("maxAttempts", m.opts.MaxReconnectAttempts).Msg("Reconnect attempt failed")
		delay = nextBackoff(delay, m.opts.BackoffMax)
	}

	m.reportFatal(ErrReconnectExhausted)
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func (m *Manager) reportFatal(err error) {
	log.Error().Err(err).Msg("Transport entered fatal state")
	select {
	case m.fatalCh <- err:
	default:
	}
}
