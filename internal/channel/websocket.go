package channel

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Subprotocol is the STOMP 1.2 WebSocket subprotocol.
const Subprotocol = "v12.stomp"

const (
	writeWait  = 10 * time.Second
	pongWait   = 90 * time.Second
	pingPeriod = 30 * time.Second
)

// WebSocketTransport dials STOMP sessions over gorilla/websocket.
type WebSocketTransport struct {
	URL              string
	HandshakeTimeout time.Duration
	// PingPeriod overrides the control-frame ping interval; pongs extend the
	// read deadline by three periods.
	PingPeriod time.Duration
}

// Dial opens the WebSocket. The token is sent as a bearer header on the
// upgrade request too, so servers can reject before the STOMP handshake.
func (t *WebSocketTransport) Dial(ctx context.Context, token string) (Session, error) {
	timeout := t.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: timeout,
		Subprotocols:     []string{Subprotocol},
		Proxy:            http.ProxyFromEnvironment,
	}

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := dialer.DialContext(ctx, t.URL, header)
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized:
				return nil, fmt.Errorf("authentication failed: missing or invalid token")
			case http.StatusForbidden:
				return nil, fmt.Errorf("access denied: token invalid or expired")
			}
			return nil, fmt.Errorf("websocket dial failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	period := t.PingPeriod
	if period <= 0 {
		period = pingPeriod
	}
	s := &wsSession{
		conn:     conn,
		pongWait: pongWait,
		done:     make(chan struct{}),
	}
	if t.PingPeriod > 0 {
		s.pongWait = 3 * period
	}
	conn.SetReadDeadline(time.Now().Add(s.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.pongWait))
	})
	go s.pingLoop(period)
	return s, nil
}

type wsSession struct {
	conn     *websocket.Conn
	pongWait time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func (s *wsSession) Read() ([]byte, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, io.EOF
		}
		return nil, err
	}
	// Any frame proves the peer is alive.
	s.conn.SetReadDeadline(time.Now().Add(s.pongWait))
	return data, nil
}

func (s *wsSession) Write(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame so the server notices immediately.
func (s *wsSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "client shutting down")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		err = s.conn.Close()
	})
	return err
}

func (s *wsSession) pingLoop(period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
