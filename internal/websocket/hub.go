package websocket

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Viewers only send control frames.
	maxMessageSize = 4 * 1024

	sendBufferSize      = 32
	broadcastBufferSize = 64
)

// ErrHubStopped is returned when a viewer connects after Run has returned
var ErrHubStopped = errors.New("live hub stopped")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// viewers authenticate with a bearer token, not cookies
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// Hub fans live feed messages out to every connected viewer. The latest
// state message is replayed to viewers as they join.
type Hub struct {
	// Registered clients.
	clients map[string]*Client

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	// Outbound messages for every client.
	broadcast chan broadcastMessage

	// Signalled when a state message could not be queued.
	statePending chan struct{}

	done chan struct{}

	mu        sync.RWMutex
	lastState []byte

	logger *zap.Logger
}

// broadcastMessage is a queued message. State messages carry no payload of
// their own, the hub sends whatever state is latest when it fans them out.
type broadcastMessage struct {
	state   bool
	payload []byte
}

// NewHub creates a new live feed hub
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:      make(map[string]*Client),
		register:     make(chan *Client),
		unregister:   make(chan *Client),
		broadcast:    make(chan broadcastMessage, broadcastBufferSize),
		statePending: make(chan struct{}, 1),
		done:         make(chan struct{}),
		logger:       logger.Named("hub"),
	}
}

// Run starts the hub's main loop. It returns when ctx is done, closing every
// client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for id, client := range h.clients {
				delete(h.clients, id)
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Info("Live hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			last := h.lastState
			h.mu.Unlock()
			if last != nil {
				client.send <- last
			}
			h.logger.Info("Viewer registered",
				zap.String("clientID", client.id),
				zap.String("viewerID", client.viewerID))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Info("Viewer unregistered", zap.String("clientID", client.id))

		case message := <-h.broadcast:
			h.fanOut(message)

		case <-h.statePending:
			h.fanOut(broadcastMessage{state: true})
		}
	}
}

func (h *Hub) fanOut(message broadcastMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()

	payload := message.payload
	if message.state {
		payload = h.lastState
	}
	for id, client := range h.clients {
		select {
		case client.send <- payload:
		default:
			// a viewer that cannot keep up is dropped, it gets the
			// latest state again when it reconnects
			delete(h.clients, id)
			close(client.send)
			h.logger.Warn("Dropping slow viewer", zap.String("clientID", id))
		}
	}
}

// Publish queues a message for every viewer. State messages are also kept
// for replay to viewers that join later, and a state that finds the queue
// full is still delivered once the hub catches up.
func (h *Hub) Publish(msgType MessageType, data interface{}) error {
	payload, err := NewMessage(msgType, data)
	if err != nil {
		return err
	}
	message := broadcastMessage{payload: payload}
	if msgType == MessageTypeState {
		h.mu.Lock()
		h.lastState = payload
		h.mu.Unlock()
		message = broadcastMessage{state: true}
	}

	select {
	case <-h.done:
		return ErrHubStopped
	default:
	}

	select {
	case h.broadcast <- message:
		return nil
	default:
	}

	if message.state {
		select {
		case h.statePending <- struct{}{}:
		default:
		}
		h.logger.Debug("Live broadcast queue full, coalescing state")
		return nil
	}
	h.logger.Warn("Live broadcast queue full, dropping message", zap.String("type", string(msgType)))
	return nil
}

// ClientCount returns the number of connected viewers
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan []byte

	id       string
	viewerID string
	logger   *zap.Logger
}

// ServeLive upgrades the request and attaches the viewer to the hub. The
// caller authenticates the request first.
func (h *Hub) ServeLive(c echo.Context, viewerID string) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return err
	}

	client := &Client{
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		id:       uuid.NewString(),
		viewerID: viewerID,
		logger:   h.logger,
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		return nil
	}

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go client.writePump()
	go client.readPump()

	return nil
}

// readPump keeps the read side alive for control frames and notices when the
// viewer goes away.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("Viewer connection error", zap.String("clientID", c.id), zap.Error(err))
			}
			return
		}
	}
}

// writePump pumps messages from the hub to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Error("Failed to write message", zap.String("clientID", c.id), zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
