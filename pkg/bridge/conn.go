package bridge

import (
	"context"

	"github.com/gorilla/websocket"
)

// Conn is the subset of *websocket.Conn the bridge session needs from
// either peer. Abstracting it lets session tests drive the protocol
// logic against an in-process fake instead of a real socket.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

var _ Conn = (*websocket.Conn)(nil)

// Dialer opens a Conn to url. Injected so tests can substitute a fake
// AI peer without a real network dial.
type Dialer func(ctx context.Context, url string) (Conn, error)

// DefaultDialer dials a real WebSocket using gorilla/websocket.
func DefaultDialer(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
