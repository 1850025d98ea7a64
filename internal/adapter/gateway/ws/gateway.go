package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tkarna/visor/internal/domain"
	"github.com/tkarna/visor/internal/infrastructure/logger"
	"github.com/tkarna/visor/internal/port"
	"github.com/tkarna/visor/internal/service"
)

const (
	writeTimeout = 5 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
)

// Gateway upgrades observer connections and registers them with the
// subscription router. Each connection subscribes to one or more targets
// given as repeated `target=scope:id` query parameters.
type Gateway struct {
	router   *service.Router
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*Client]struct{}
}

func NewGateway(router *service.Router) *Gateway {
	return &Gateway{
		router: router,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		clients: make(map[*Client]struct{}),
	}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var targets []domain.Target
	for _, raw := range r.URL.Query()["target"] {
		t, err := domain.ParseTarget(raw)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		targets = append(targets, t)
	}
	if len(targets) == 0 {
		http.Error(w, "at least one target parameter is required", http.StatusBadRequest)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error.Printf("ws upgrade: %v", err)
		return
	}

	client := &Client{conn: conn, targets: targets, done: make(chan struct{})}
	g.mu.Lock()
	g.clients[client] = struct{}{}
	g.mu.Unlock()
	for _, t := range targets {
		g.router.Register(t, client)
	}
	logger.Info.Printf("observer connected, %d targets", len(targets))

	go g.readLoop(client)
}

// readLoop consumes control frames until the peer goes away, then tears the
// subscription down.
func (g *Gateway) readLoop(client *Client) {
	defer g.drop(client)

	client.conn.SetReadLimit(512)
	_ = client.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	go func() {
		for {
			select {
			case <-client.done:
				return
			case <-ping.C:
				if client.ping() != nil {
					return
				}
			}
		}
	}()

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (g *Gateway) drop(client *Client) {
	for _, t := range client.targets {
		g.router.Unregister(t, client)
	}
	client.close()
	g.mu.Lock()
	delete(g.clients, client)
	g.mu.Unlock()
	logger.Info.Printf("observer disconnected")
}

// Close tears down every connection, for server shutdown.
func (g *Gateway) Close() {
	g.mu.Lock()
	clients := make([]*Client, 0, len(g.clients))
	for c := range g.clients {
		clients = append(clients, c)
	}
	g.mu.Unlock()
	for _, c := range clients {
		g.drop(c)
	}
}

// Client is one live observer connection; it implements the delivery handle
// the dispatcher writes to.
type Client struct {
	conn    *websocket.Conn
	targets []domain.Target
	done    chan struct{}

	mu     sync.Mutex
	closed bool
}

// eventFrame is the wire shape of one delivered event.
type eventFrame struct {
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type"`
	Target    string          `json:"target"`
	Priority  int             `json:"priority"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Deliver writes one event. A connection that is already gone reports
// unreachable (no retry owed); a write failure is a transport error and the
// dispatcher will retry.
func (c *Client) Deliver(_ context.Context, ev *domain.NotificationEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return domain.ErrDeliveryTargetUnreachable
	}

	frame := eventFrame{
		EventID:   ev.ID,
		EventType: string(ev.Type),
		Target:    ev.Target.String(),
		Priority:  ev.Priority,
		Payload:   ev.Payload,
		CreatedAt: ev.CreatedAt,
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteJSON(frame); err != nil {
		c.closed = true
		close(c.done)
		return fmt.Errorf("%w: %v", domain.ErrDeliveryTransport, err)
	}
	return nil
}

func (c *Client) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return domain.ErrDeliveryTargetUnreachable
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	_ = c.conn.Close()
}

var _ port.DeliveryHandle = (*Client)(nil)
