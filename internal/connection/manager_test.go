package connection

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fleetsync/fleetsync/internal/events"
	"github.com/fleetsync/fleetsync/internal/logger"
)

var errDialRefused = errors.New("dial refused")

// fakeConn is an in-memory transport. Frames pushed to in are read by the
// manager; frames the manager writes land in out.
type fakeConn struct {
	in     chan interface{} // events.Envelope or error
	mu     sync.Mutex
	out    []events.Envelope
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan interface{}, 16)}
}

func (c *fakeConn) ReadJSON(v interface{}) error {
	item, ok := <-c.in
	if !ok {
		return errors.New("connection closed")
	}
	if err, isErr := item.(error); isErr {
		return err
	}
	*(v.(*events.Envelope)) = item.(events.Envelope)
	return nil
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("write on closed connection")
	}
	c.out = append(c.out, v.(events.Envelope))
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.in)
	}
	return nil
}

// push delivers a frame for the manager to read.
func (c *fakeConn) push(event string, payload interface{}) {
	env, _ := events.NewEnvelope(event, payload)
	c.in <- env
}

// fail makes the next read return err, simulating a dropped link.
func (c *fakeConn) fail(err error) {
	c.in <- err
}

func (c *fakeConn) written() []events.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]events.Envelope, len(c.out))
	copy(out, c.out)
	return out
}

// fakeDialer hands out fakeConns, optionally failing the first n dials.
type fakeDialer struct {
	mu        sync.Mutex
	failFirst int
	failAll   bool
	dials     int
	conns     []*fakeConn
}

func (d *fakeDialer) Dial(url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failAll || d.failFirst >= d.dials {
		return nil, errDialRefused
	}
	c := newFakeConn()
	// Preload the handshake ack.
	env, _ := events.NewEnvelope(events.Connected, nil)
	c.in <- env
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) lastConn() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func (d *fakeDialer) setFailAll(fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failAll = fail
}

func testManager(d Dialer, maxAttempts int) *Manager {
	return NewManager(Config{
		URL:         "ws://test/ws",
		Backoff:     Backoff{Base: time.Millisecond, Cap: 4 * time.Millisecond},
		MaxAttempts: maxAttempts,
	}, d, logger.New("off"), nil)
}

func testCreds() Credentials {
	return Credentials{Token: "tok", UserID: "u-1", Role: "OPERATOR"}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConnectHandshakeAndRooms(t *testing.T) {
	d := &fakeDialer{}
	m := testManager(d, 5)

	if err := m.Connect(testCreds()); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	defer m.Disconnect()

	if m.Phase() != Connected {
		t.Fatalf("Phase = %v, want Connected", m.Phase())
	}

	frames := d.lastConn().written()
	if len(frames) < 3 {
		t.Fatalf("wrote %d frames, want handshake plus two room joins", len(frames))
	}
	if frames[0].Event != events.Auth {
		t.Errorf("first frame = %q, want auth handshake", frames[0].Event)
	}
	var hs events.Handshake
	if err := json.Unmarshal(frames[0].Data, &hs); err != nil || hs.Token != "tok" || hs.UserID != "u-1" {
		t.Errorf("handshake payload = %+v (err %v), want token/userId", hs, err)
	}
	if frames[1].Event != events.JoinUserRoom {
		t.Errorf("second frame = %q, want join-user-room", frames[1].Event)
	}
	if frames[2].Event != events.JoinRoleRoom {
		t.Errorf("third frame = %q, want join-role-room", frames[2].Event)
	}
}

func TestConnectIsIdempotent(t *testing.T) {
	d := &fakeDialer{}
	m := testManager(d, 5)

	if err := m.Connect(testCreds()); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	defer m.Disconnect()

	if err := m.Connect(testCreds()); err != nil {
		t.Fatalf("second Connect returned error: %v", err)
	}
	if got := d.dialCount(); got != 1 {
		t.Errorf("dials = %d, want 1 (second Connect must be a no-op)", got)
	}
}

func TestConnectEmptyCredentials(t *testing.T) {
	m := testManager(&fakeDialer{}, 5)
	if err := m.Connect(Credentials{}); !errors.Is(err, ErrEmptyCredentials) {
		t.Errorf("error = %v, want ErrEmptyCredentials", err)
	}
}

func TestSubscribeDispatchAndUnsubscribe(t *testing.T) {
	d := &fakeDialer{}
	m := testManager(d, 5)

	got := make(chan json.RawMessage, 4)
	token := m.Subscribe(events.MachineStatusChanged, func(data json.RawMessage) {
		got <- data
	})

	if err := m.Connect(testCreds()); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	defer m.Disconnect()

	d.lastConn().push(events.MachineStatusChanged, map[string]string{"machineId": "M-001", "newStatus": "Running"})

	select {
	case data := <-got:
		var p events.StatusChanged
		if err := json.Unmarshal(data, &p); err != nil || p.MachineID != "M-001" {
			t.Errorf("handler payload = %s (err %v)", data, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never invoked")
	}

	m.Unsubscribe(token)
	m.Unsubscribe(token) // idempotent
	d.lastConn().push(events.MachineStatusChanged, map[string]string{"machineId": "M-002"})

	select {
	case <-got:
		t.Error("handler invoked after Unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReconnectAfterLinkFailure(t *testing.T) {
	d := &fakeDialer{}
	m := testManager(d, 5)

	connected := make(chan struct{}, 4)
	m.Subscribe(events.Connected, func(json.RawMessage) { connected <- struct{}{} })

	if err := m.Connect(testCreds()); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	defer m.Disconnect()
	<-connected

	d.lastConn().fail(errors.New("link reset"))

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("never reconnected after link failure")
	}
	if m.Phase() != Connected {
		t.Errorf("Phase = %v, want Connected", m.Phase())
	}
	if m.Attempt() != 0 {
		t.Errorf("Attempt = %d, want 0 after successful reconnect", m.Attempt())
	}
	if got := d.dialCount(); got != 2 {
		t.Errorf("dials = %d, want 2", got)
	}
}

func TestServerCloseRejoinsRooms(t *testing.T) {
	d := &fakeDialer{}
	m := testManager(d, 5)

	connected := make(chan struct{}, 4)
	m.Subscribe(events.Connected, func(json.RawMessage) { connected <- struct{}{} })

	if err := m.Connect(testCreds()); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	defer m.Disconnect()
	<-connected

	if err := m.JoinRoom("machine:M-009"); err != nil {
		t.Fatalf("JoinRoom returned error: %v", err)
	}

	// Server-initiated close: retried immediately, rooms rejoined.
	d.lastConn().fail(&websocket.CloseError{Code: websocket.CloseGoingAway})

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("never reconnected after server close")
	}

	waitFor(t, "room rejoin", func() bool {
		for _, f := range d.lastConn().written() {
			if f.Event == events.JoinRoom {
				return true
			}
		}
		return false
	})
}

// Six consecutive connect errors with MaxAttempts 5: the initial dial plus
// five automatic retries, then no sixth retry. Manual Reconnect recovers and
// resets the counter.
func TestRetriesExhaustedThenManualReconnect(t *testing.T) {
	d := &fakeDialer{failAll: true}
	m := testManager(d, 5)

	if err := m.Connect(testCreds()); err == nil {
		t.Fatal("Connect against a dead server returned nil error")
	}

	waitFor(t, "retries to exhaust", func() bool {
		return m.Phase() == Disconnected && d.dialCount() == 6
	})

	// No further automatic attempts.
	time.Sleep(30 * time.Millisecond)
	if got := d.dialCount(); got != 6 {
		t.Fatalf("dials = %d after exhaustion, want 6", got)
	}
	if m.LastError() == nil {
		t.Error("LastError = nil after exhaustion, want the dial error")
	}

	d.setFailAll(false)
	if err := m.Reconnect(); err != nil {
		t.Fatalf("manual Reconnect returned error: %v", err)
	}
	defer m.Disconnect()

	if m.Phase() != Connected {
		t.Errorf("Phase = %v, want Connected", m.Phase())
	}
	if m.Attempt() != 0 {
		t.Errorf("Attempt = %d, want 0 after manual reconnect", m.Attempt())
	}
	if m.LastError() != nil {
		t.Errorf("LastError = %v, want nil after recovery", m.LastError())
	}
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	d := &fakeDialer{failAll: true}
	m := testManager(d, 50)

	m.Connect(testCreds())
	waitFor(t, "a retry to be scheduled", func() bool { return d.dialCount() >= 2 })

	m.Disconnect()
	if m.Phase() != Disconnected {
		t.Fatalf("Phase = %v, want Disconnected", m.Phase())
	}

	// Any timer must be gone: the dial count settles.
	settled := d.dialCount()
	time.Sleep(30 * time.Millisecond)
	if got := d.dialCount(); got > settled+1 {
		t.Errorf("dials kept growing after Disconnect: %d -> %d", settled, got)
	}
}

func TestDisconnectDropsSubscriptions(t *testing.T) {
	d := &fakeDialer{}
	m := testManager(d, 5)

	got := make(chan json.RawMessage, 1)
	m.Subscribe(events.MachineDataUpdate, func(data json.RawMessage) { got <- data })

	if err := m.Connect(testCreds()); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	m.Disconnect()

	// A fresh connect must not resurrect the old handlers.
	if err := m.Connect(testCreds()); err != nil {
		t.Fatalf("second Connect returned error: %v", err)
	}
	defer m.Disconnect()

	d.lastConn().push(events.MachineDataUpdate, map[string]string{"machineId": "M-001"})
	select {
	case <-got:
		t.Error("handler from before Disconnect still receives events")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	m := testManager(&fakeDialer{}, 5)
	if err := m.JoinRoom("machine:M-001"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("JoinRoom while disconnected = %v, want ErrNotConnected", err)
	}
}
