package repositories

import (
	"context"
	"net/url"
)

// Transport opens message-oriented bidirectional connections to the backend
type Transport interface {
	// Dial returns once the handshake is confirmed
	Dial(ctx context.Context, endpoint string, params url.Values) (TransportConn, error)
}

// TransportConn is one open backend connection
type TransportConn interface {
	// WriteBinary sends one binary message. A failed write is terminal: the
	// connection is closed and ReadMessage returns an error.
	WriteBinary(data []byte) error
	// ReadMessage blocks for the next text message. Any error means the
	// connection is gone.
	ReadMessage() ([]byte, error)
	// Close is safe to call more than once
	Close() error
}
