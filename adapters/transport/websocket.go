package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Aayaan-Sahu/kova/domain"
	"github.com/Aayaan-Sahu/kova/domain/repositories"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next message or pong from the peer. Pings
	// go out at 9/10 of it.
	pongWait = 60 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024

	// DefaultConnectTimeout bounds the handshake when the caller's context
	// carries no deadline.
	DefaultConnectTimeout = 10 * time.Second
)

// WebsocketTransport dials the backend over gorilla websockets
type WebsocketTransport struct {
	baseURL        *url.URL
	dialer         *websocket.Dialer
	connectTimeout time.Duration
	writeWait      time.Duration
	pongWait       time.Duration
	logger         *zap.Logger
}

var _ repositories.Transport = (*WebsocketTransport)(nil)

// NewWebsocketTransport creates a transport rooted at baseURL. http(s)
// schemes are mapped to ws(s).
func NewWebsocketTransport(baseURL string, connectTimeout time.Duration, logger *zap.Logger) (*WebsocketTransport, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse backend url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported backend url scheme %q", u.Scheme)
	}
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}

	return &WebsocketTransport{
		baseURL: u,
		dialer: &websocket.Dialer{
			HandshakeTimeout: connectTimeout,
			ReadBufferSize:   1024,
			WriteBufferSize:  16 * 1024,
		},
		connectTimeout: connectTimeout,
		writeWait:      writeWait,
		pongWait:       pongWait,
		logger:         logger.Named("transport"),
	}, nil
}

// WithKeepalive returns a copy of the transport that declares a peer dead
// after pongWait without any inbound traffic and gives up on a write after
// writeWait. Pings go out at 9/10 of pongWait.
func (t *WebsocketTransport) WithKeepalive(pongWait, writeWait time.Duration) *WebsocketTransport {
	cp := *t
	if pongWait > 0 {
		cp.pongWait = pongWait
	}
	if writeWait > 0 {
		cp.writeWait = writeWait
	}
	return &cp
}

// Dial opens endpoint (a path such as /ws/audio) with params as the query
func (t *WebsocketTransport) Dial(ctx context.Context, endpoint string, params url.Values) (repositories.TransportConn, error) {
	target := *t.baseURL
	target.Path = joinPath(t.baseURL.Path, endpoint)
	target.RawQuery = params.Encode()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.connectTimeout)
		defer cancel()
	}

	conn, resp, err := t.dialer.DialContext(ctx, target.String(), nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
			resp.Body.Close()
		}
		t.logger.Warn("Failed to open connection",
			zap.String("endpoint", endpoint),
			zap.Int("status", status),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrTransportOpen, endpoint, err)
	}
	conn.SetReadLimit(maxMessageSize)

	c := &websocketConn{
		conn:       conn,
		endpoint:   endpoint,
		writeWait:  t.writeWait,
		pongWait:   t.pongWait,
		pingPeriod: (t.pongWait * 9) / 10,
		done:       make(chan struct{}),
		logger:     t.logger,
	}
	conn.SetReadDeadline(time.Now().Add(c.pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.pongWait))
		return nil
	})
	go c.pingLoop()

	t.logger.Info("Connection opened", zap.String("endpoint", endpoint))
	return c, nil
}

func joinPath(base, endpoint string) string {
	if base == "" || base == "/" {
		return endpoint
	}
	if base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	return base + endpoint
}

// websocketConn treats the first write failure as fatal: the socket is
// closed so a blocked ReadMessage returns and the owner sees the drop.
type websocketConn struct {
	conn       *websocket.Conn
	endpoint   string
	writeWait  time.Duration
	pongWait   time.Duration
	pingPeriod time.Duration
	logger     *zap.Logger

	writeMu   sync.Mutex
	failed    bool
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func (c *websocketConn) WriteBinary(data []byte) error {
	return c.write(websocket.BinaryMessage, data)
}

func (c *websocketConn) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.failed {
		return fmt.Errorf("failed to write to %s: %w", c.endpoint, websocket.ErrCloseSent)
	}

	c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
	if err := c.conn.WriteMessage(messageType, data); err != nil {
		c.failed = true
		c.conn.Close()
		c.logger.Warn("Connection write failed, closing",
			zap.String("endpoint", c.endpoint),
			zap.Error(err))
		return fmt.Errorf("failed to write to %s: %w", c.endpoint, err)
	}
	return nil
}

func (c *websocketConn) pingLoop() {
	ticker := time.NewTicker(c.pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ReadMessage skips binary frames; the backend only speaks JSON text. Any
// inbound frame counts as proof of life.
func (c *websocketConn) ReadMessage() ([]byte, error) {
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
		if messageType == websocket.TextMessage {
			return data, nil
		}
	}
}

// Close does not wait for a write stuck on a dead peer: if the write lock is
// taken the close frame is skipped and closing the socket unblocks the writer.
func (c *websocketConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.writeMu.TryLock() {
			if !c.failed {
				c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			}
			c.failed = true
			c.writeMu.Unlock()
		}

		if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			c.closeErr = fmt.Errorf("failed to close connection: %w", err)
		}
		c.logger.Info("Connection closed", zap.String("endpoint", c.endpoint))
	})
	return c.closeErr
}
