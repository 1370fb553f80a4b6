package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/Aayaan-Sahu/kova/domain"
	"github.com/Aayaan-Sahu/kova/domain/repositories"
)

// ErrMockConnClosed is returned by a MockConn after Close or Drop
var ErrMockConnClosed = errors.New("mock connection closed")

// MockDial records one Dial call
type MockDial struct {
	Endpoint string
	Params   url.Values
}

// MockTransport is an in-memory backend for tests. Every successful Dial
// produces a MockConn the test can drive from the server side.
type MockTransport struct {
	mu       sync.Mutex
	dialErrs []error
	dialGate chan struct{}
	dials    []MockDial
	conns    []*MockConn
	dialed   chan *MockConn
}

var _ repositories.Transport = (*MockTransport)(nil)

// NewMockTransport creates an empty mock transport
func NewMockTransport() *MockTransport {
	return &MockTransport{
		dialed: make(chan *MockConn, 32),
	}
}

// FailNextDials makes the next len(errs) dials fail in order
func (m *MockTransport) FailNextDials(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dialErrs = append(m.dialErrs, errs...)
}

// HoldDials blocks dials until the returned func is called
func (m *MockTransport) HoldDials() (release func()) {
	gate := make(chan struct{})
	m.mu.Lock()
	m.dialGate = gate
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			if m.dialGate == gate {
				m.dialGate = nil
			}
			m.mu.Unlock()
			close(gate)
		})
	}
}

// Dial implements repositories.Transport
func (m *MockTransport) Dial(ctx context.Context, endpoint string, params url.Values) (repositories.TransportConn, error) {
	m.mu.Lock()
	gate := m.dialGate
	m.dials = append(m.dials, MockDial{Endpoint: endpoint, Params: params})
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", domain.ErrTransportOpen, ctx.Err())
		}
	}

	m.mu.Lock()
	if len(m.dialErrs) > 0 {
		err := m.dialErrs[0]
		m.dialErrs = m.dialErrs[1:]
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", domain.ErrTransportOpen, err)
	}
	conn := &MockConn{
		endpoint: endpoint,
		inbound:  make(chan []byte, 64),
		closed:   make(chan struct{}),
	}
	m.conns = append(m.conns, conn)
	m.mu.Unlock()

	select {
	case m.dialed <- conn:
	default:
	}
	return conn, nil
}

// Dials returns every recorded Dial call, including failed ones
func (m *MockTransport) Dials() []MockDial {
	m.mu.Lock()
	defer m.mu.Unlock()
	dials := make([]MockDial, len(m.dials))
	copy(dials, m.dials)
	return dials
}

// Conns returns every connection opened so far
func (m *MockTransport) Conns() []*MockConn {
	m.mu.Lock()
	defer m.mu.Unlock()
	conns := make([]*MockConn, len(m.conns))
	copy(conns, m.conns)
	return conns
}

// NextConn waits for the next successful Dial
func (m *MockTransport) NextConn(timeout time.Duration) (*MockConn, bool) {
	select {
	case conn := <-m.dialed:
		return conn, true
	case <-time.After(timeout):
		return nil, false
	}
}

// MockConn is the client half of a mock connection
type MockConn struct {
	endpoint string
	inbound  chan []byte
	closed   chan struct{}

	mu          sync.Mutex
	written     [][]byte
	writeErr    error
	blockWrites bool
	closeOnce   sync.Once
	byClient    bool
}

// Endpoint returns the dialed endpoint
func (c *MockConn) Endpoint() string {
	return c.endpoint
}

// Send delivers a server message to the client
func (c *MockConn) Send(data []byte) bool {
	select {
	case c.inbound <- data:
		return true
	case <-c.closed:
		return false
	}
}

// Drop closes the connection from the server side
func (c *MockConn) Drop() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// FailWrites makes the next write fail with err, which drops the connection
// the way a dead socket does
func (c *MockConn) FailWrites(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

// BlockWrites makes writes hang until the connection is closed, like a peer
// that stopped reading
func (c *MockConn) BlockWrites() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blockWrites = true
}

// WriteBinary implements repositories.TransportConn
func (c *MockConn) WriteBinary(data []byte) error {
	select {
	case <-c.closed:
		return ErrMockConnClosed
	default:
	}

	c.mu.Lock()
	writeErr, block := c.writeErr, c.blockWrites
	c.mu.Unlock()
	if writeErr != nil {
		c.Drop()
		return writeErr
	}
	if block {
		<-c.closed
		return ErrMockConnClosed
	}

	buf := make([]byte, len(data))
	copy(buf, data)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, buf)
	return nil
}

// ReadMessage implements repositories.TransportConn. Messages queued before
// a close are still delivered in order.
func (c *MockConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	default:
	}
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.closed:
		return nil, ErrMockConnClosed
	}
}

// Close implements repositories.TransportConn
func (c *MockConn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.byClient = true
		c.mu.Unlock()
		close(c.closed)
	})
	return nil
}

// Written returns the binary frames the client sent
func (c *MockConn) Written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	written := make([][]byte, len(c.written))
	copy(written, c.written)
	return written
}

// Closed reports whether either side closed the connection
func (c *MockConn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// ClosedByClient reports whether Close was called before any Drop
func (c *MockConn) ClosedByClient() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byClient
}
