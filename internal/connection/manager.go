// Package connection owns the transport connection to the fleet server: the
// auth handshake, room subscriptions, reconnection with capped exponential
// backoff, and a subscribe/unsubscribe surface for typed events. It never
// interprets domain payloads; it only demultiplexes frames and republishes
// them to subscribers.
package connection

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/fleetsync/fleetsync/internal/events"
	"github.com/fleetsync/fleetsync/internal/metrics"
)

// Phase is the lifecycle state of the one transport connection per session.
type Phase int

const (
	Disconnected Phase = iota
	Connecting
	Connected
	Reconnecting
)

func (p Phase) String() string {
	switch p {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Credentials authenticate the handshake. Token and UserID are required; Role
// additionally joins the role room when present.
type Credentials struct {
	Token  string
	UserID string
	Role   string
}

var (
	ErrEmptyCredentials = errors.New("empty credentials")
	ErrNotConnected     = errors.New("not connected")
)

// Handler receives the raw payload of a subscribed event. Handlers run one at
// a time on the manager's dispatch goroutine, so a handler may mutate shared
// state without further locking as long as it completes before returning.
type Handler func(data json.RawMessage)

// Config tunes the reconnect policy.
type Config struct {
	URL         string
	Backoff     Backoff
	MaxAttempts int
}

// Manager holds at most one live transport connection and drives the
// Disconnected/Connecting/Connected/Reconnecting state machine.
type Manager struct {
	cfg    Config
	dialer Dialer
	log    *logrus.Entry
	met    *metrics.Metrics

	mu      sync.Mutex
	phase   Phase
	attempt int
	lastErr error
	conn    Conn
	creds   Credentials
	rooms   map[string]bool // extra rooms joined via JoinRoom, rejoined on reconnect
	gen     uint64          // bumped on every connection change; stale readers check it
	retry   *time.Timer

	subs   map[string]map[string]Handler // event -> token -> handler
	tokens map[string]string             // token -> event
}

func NewManager(cfg Config, dialer Dialer, log *logrus.Logger, met *metrics.Metrics) *Manager {
	if dialer == nil {
		dialer = WebsocketDialer{}
	}
	if met == nil {
		met = metrics.Nop()
	}
	return &Manager{
		cfg:    cfg,
		dialer: dialer,
		log:    log.WithField("component", "connection"),
		met:    met,
		rooms:  make(map[string]bool),
		subs:   make(map[string]map[string]Handler),
		tokens: make(map[string]string),
	}
}

// Connect opens the transport and performs the auth handshake. It is a no-op
// when a connection is already live or being established.
func (m *Manager) Connect(creds Credentials) error {
	if creds.Token == "" || creds.UserID == "" {
		return ErrEmptyCredentials
	}

	m.mu.Lock()
	if m.phase == Connected || m.phase == Connecting {
		m.mu.Unlock()
		return nil
	}
	m.creds = creds
	m.setPhaseLocked(Connecting)
	g := m.gen
	m.mu.Unlock()

	return m.establish(g)
}

// Reconnect resets the attempt counter and retries immediately. It is the
// required manual escape hatch once automatic retries are exhausted.
func (m *Manager) Reconnect() error {
	m.mu.Lock()
	if m.phase == Connected || m.phase == Connecting {
		m.mu.Unlock()
		return nil
	}
	if m.creds.Token == "" {
		m.mu.Unlock()
		return ErrEmptyCredentials
	}
	m.stopRetryLocked()
	m.attempt = 0
	m.setPhaseLocked(Connecting)
	g := m.gen
	m.mu.Unlock()

	return m.establish(g)
}

// Disconnect tears the connection down from any state. It cancels any pending
// reconnect timer and drops all subscriptions, so nothing fires after logout.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.stopRetryLocked()
	m.gen++
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.setPhaseLocked(Disconnected)
	m.attempt = 0
	m.lastErr = nil
	m.subs = make(map[string]map[string]Handler)
	m.tokens = make(map[string]string)
	m.mu.Unlock()
	m.log.Info("disconnected")
}

// establish dials, handshakes and commits the connection. The caller must
// have set phase to Connecting under gen g; if the generation moved on while
// dialing (a concurrent Disconnect), the fresh connection is discarded.
func (m *Manager) establish(g uint64) error {
	conn, err := m.dial()

	m.mu.Lock()
	if m.gen != g || m.phase != Connecting {
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return nil
	}
	if err != nil {
		m.lastErr = err
		m.setPhaseLocked(Reconnecting)
		m.scheduleRetryLocked(m.cfg.Backoff.Delay(m.attempt))
		m.mu.Unlock()
		m.log.WithError(err).Warn("connect failed")
		m.emit(events.Error, errorPayload(err))
		return err
	}
	m.conn = conn
	m.gen++
	g = m.gen
	m.setPhaseLocked(Connected)
	m.attempt = 0
	m.lastErr = nil
	creds := m.creds
	extra := make([]string, 0, len(m.rooms))
	for r := range m.rooms {
		extra = append(extra, r)
	}
	m.mu.Unlock()

	m.log.WithField("userId", creds.UserID).Info("connected")
	m.joinDefaultRooms(creds, extra)
	go m.readLoop(g, conn)
	m.emit(events.Connected, nil)
	return nil
}

// dial opens the transport and runs the handshake: write {token, userId},
// read the ack frame.
func (m *Manager) dial() (Conn, error) {
	conn, err := m.dialer.Dial(m.cfg.URL)
	if err != nil {
		return nil, err
	}
	creds := m.credentials()
	hs := events.Handshake{Token: creds.Token, UserID: creds.UserID}
	if err := conn.WriteJSON(events.Envelope{Event: events.Auth, Data: mustJSON(hs)}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake write: %w", err)
	}
	var ack events.Envelope
	if err := conn.ReadJSON(&ack); err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake read: %w", err)
	}
	if ack.Event != events.Connected {
		conn.Close()
		return nil, fmt.Errorf("handshake rejected: %q", ack.Event)
	}
	return conn, nil
}

func (m *Manager) credentials() Credentials {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds
}

func (m *Manager) joinDefaultRooms(creds Credentials, extra []string) {
	if err := m.send(events.JoinUserRoom, map[string]string{"userId": creds.UserID}); err != nil {
		m.log.WithError(err).Warn("join user room failed")
	}
	if creds.Role != "" {
		if err := m.send(events.JoinRoleRoom, map[string]string{"role": strings.ToUpper(creds.Role)}); err != nil {
			m.log.WithError(err).Warn("join role room failed")
		}
	}
	for _, room := range extra {
		if err := m.send(events.JoinRoom, events.RoomPayload{Room: room}); err != nil {
			m.log.WithError(err).WithField("room", room).Warn("rejoin room failed")
		}
	}
}

// readLoop pulls frames off the wire and dispatches them to subscribers, one
// at a time. It exits when the connection dies or the generation moves on.
func (m *Manager) readLoop(g uint64, conn Conn) {
	for {
		var env events.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			conn.Close()
			m.handleReadError(g, err)
			return
		}
		if env.Event == "" {
			continue
		}
		m.emit(env.Event, env.Data)
	}
}

func (m *Manager) handleReadError(g uint64, err error) {
	m.mu.Lock()
	if m.gen != g {
		// A manual Disconnect or newer connection superseded this reader.
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.lastErr = err
	m.setPhaseLocked(Reconnecting)
	delay := m.cfg.Backoff.Delay(m.attempt)
	if isServerClose(err) {
		// Server kicked us deliberately; the first retry goes out
		// immediately instead of waiting for the backoff window.
		delay = 0
	}
	m.scheduleRetryLocked(delay)
	m.mu.Unlock()

	m.log.WithError(err).Warn("connection lost")
	m.emit(events.Disconnected, nil)
	m.emit(events.Error, errorPayload(err))
}

// scheduleRetryLocked arms the reconnect timer. Caller holds m.mu.
func (m *Manager) scheduleRetryLocked(delay time.Duration) {
	m.stopRetryLocked()
	m.retry = time.AfterFunc(delay, m.tryReconnect)
}

func (m *Manager) stopRetryLocked() {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
}

func (m *Manager) tryReconnect() {
	m.mu.Lock()
	if m.phase != Reconnecting {
		m.mu.Unlock()
		return
	}
	g := m.gen
	m.mu.Unlock()

	m.met.ReconnectAttempts.Inc()
	conn, err := m.dial()

	m.mu.Lock()
	if m.gen != g || m.phase != Reconnecting {
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		m.attempt++
		m.lastErr = err
		if m.attempt >= m.cfg.MaxAttempts {
			// Automatic retries are exhausted; recovery now requires an
			// explicit Reconnect call, which resets the counter.
			m.setPhaseLocked(Disconnected)
			m.stopRetryLocked()
			m.mu.Unlock()
			m.log.WithError(err).Error("reconnect attempts exhausted")
			m.emit(events.Error, errorPayload(err))
			return
		}
		m.scheduleRetryLocked(m.cfg.Backoff.Delay(m.attempt))
		attempt := m.attempt
		m.mu.Unlock()
		m.log.WithError(err).WithField("attempt", attempt).Warn("reconnect failed")
		return
	}
	m.conn = conn
	m.gen++
	g = m.gen
	m.setPhaseLocked(Connected)
	m.attempt = 0
	m.lastErr = nil
	creds := m.creds
	extra := make([]string, 0, len(m.rooms))
	for r := range m.rooms {
		extra = append(extra, r)
	}
	m.mu.Unlock()

	m.log.Info("reconnected")
	m.joinDefaultRooms(creds, extra)
	go m.readLoop(g, conn)
	m.emit(events.Connected, nil)
}

// Subscribe registers a handler for an event name and returns an opaque token
// for Unsubscribe. Teardown is deterministic and idempotent.
func (m *Manager) Subscribe(event string, h Handler) string {
	token := uuid.NewString()
	m.mu.Lock()
	if m.subs[event] == nil {
		m.subs[event] = make(map[string]Handler)
	}
	m.subs[event][token] = h
	m.tokens[token] = event
	m.mu.Unlock()
	return token
}

// Unsubscribe removes a previously registered handler. Unknown or already
// removed tokens are a no-op.
func (m *Manager) Unsubscribe(token string) {
	m.mu.Lock()
	if event, ok := m.tokens[token]; ok {
		delete(m.tokens, token)
		delete(m.subs[event], token)
		if len(m.subs[event]) == 0 {
			delete(m.subs, event)
		}
	}
	m.mu.Unlock()
}

func (m *Manager) emit(event string, data json.RawMessage) {
	m.mu.Lock()
	handlers := make([]Handler, 0, len(m.subs[event]))
	for _, h := range m.subs[event] {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()
	for _, h := range handlers {
		h(data)
	}
}

// JoinRoom subscribes this client to a named server-side room. The room is
// remembered and rejoined automatically after a reconnect.
func (m *Manager) JoinRoom(room string) error {
	m.mu.Lock()
	m.rooms[room] = true
	m.mu.Unlock()
	return m.send(events.JoinRoom, events.RoomPayload{Room: room})
}

// LeaveRoom leaves a named room and stops rejoining it on reconnect.
func (m *Manager) LeaveRoom(room string) error {
	m.mu.Lock()
	delete(m.rooms, room)
	m.mu.Unlock()
	return m.send(events.LeaveRoom, events.RoomPayload{Room: room})
}

// RoomMessage publishes an event into a room.
func (m *Manager) RoomMessage(room, event string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode room message: %w", err)
	}
	return m.send(events.RoomMessage, events.RoomPayload{Room: room, Event: event, Data: payload})
}

func (m *Manager) send(event string, payload interface{}) error {
	env, err := events.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if err := conn.WriteJSON(env); err != nil {
		m.mu.Lock()
		m.lastErr = err
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *Manager) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

func (m *Manager) Attempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// setPhaseLocked updates the phase and the gauge. Caller holds m.mu.
func (m *Manager) setPhaseLocked(p Phase) {
	m.phase = p
	m.met.ConnectionPhase.Set(float64(p))
}

func errorPayload(err error) json.RawMessage {
	return mustJSON(events.Notice{Message: err.Error()})
}

func mustJSON(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}
