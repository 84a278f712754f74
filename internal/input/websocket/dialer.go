package websocket

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	gorilla "github.com/gorilla/websocket"

	"threatwatch/internal/connection"
)

// Config configures the WebSocket push link.
type Config struct {
	URL              string
	HandshakeTimeout time.Duration
	Headers          map[string]string
}

// Dialer opens WebSocket push links.
type Dialer struct {
	url     string
	headers http.Header
	dialer  *gorilla.Dialer
}

// NewDialer creates a WebSocket dialer.
func NewDialer(cfg Config) (*Dialer, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("websocket URL is empty")
	}
	timeout := cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	headers := http.Header{}
	for k, v := range cfg.Headers {
		headers.Set(k, v)
	}
	return &Dialer{
		url:     cfg.URL,
		headers: headers,
		dialer: &gorilla.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: timeout,
		},
	}, nil
}

// Dial performs the handshake.
func (d *Dialer) Dial(ctx context.Context) (connection.Link, error) {
	conn, resp, err := d.dialer.DialContext(ctx, d.url, d.headers)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", d.url, err)
	}
	return &link{conn: conn}, nil
}

type link struct {
	conn *gorilla.Conn
	once sync.Once
	err  error
}

// Receive returns the next data frame. Close frames surface as errors.
func (l *link) Receive(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() { _ = l.Close() })
	defer stop()

	for {
		typ, data, err := l.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if typ == gorilla.TextMessage || typ == gorilla.BinaryMessage {
			return data, nil
		}
	}
}

func (l *link) Close() error {
	l.once.Do(func() {
		_ = l.conn.WriteControl(gorilla.CloseMessage,
			gorilla.FormatCloseMessage(gorilla.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		l.err = l.conn.Close()
	})
	return l.err
}
