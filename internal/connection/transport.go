package connection

import (
	"errors"

	"github.com/gorilla/websocket"
)

// Conn is the minimal surface the manager needs from a transport connection.
// *websocket.Conn satisfies it directly; tests substitute an in-memory fake.
type Conn interface {
	ReadJSON(v interface{}) error
	WriteJSON(v interface{}) error
	Close() error
}

// Dialer opens a transport connection to the fleet server.
type Dialer interface {
	Dial(url string) (Conn, error)
}

// WebsocketDialer dials over gorilla/websocket.
type WebsocketDialer struct{}

func (WebsocketDialer) Dial(url string) (Conn, error) {
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// isServerClose reports whether the read error is a clean server-initiated
// close, as opposed to a network failure. The two reconnect differently: a
// server kick retries immediately, a broken link waits out the backoff.
func isServerClose(err error) bool {
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		return false
	}
	switch closeErr.Code {
	case websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseServiceRestart:
		return true
	}
	return false
}
