package client

import (
	"context"
	"fmt"

	"nhooyr.io/websocket"
)

// Transport carries encoded protocol frames to the coordinator.
type Transport interface {
	Send(ctx context.Context, data []byte) error
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

type WSTransport struct {
	conn *websocket.Conn
}

func DialWS(ctx context.Context, url string) (*WSTransport, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	conn.SetReadLimit(1 << 15)
	return &WSTransport{conn: conn}, nil
}

func (t *WSTransport) Send(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *WSTransport) Recv(ctx context.Context) ([]byte, error) {
	typ, data, err := t.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	if typ != websocket.MessageText {
		return nil, fmt.Errorf("unexpected %v frame", typ)
	}
	return data, nil
}

func (t *WSTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "")
}
