package notify

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"fundflow/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	clientSendBuf  = 32
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// FeedHub broadcasts terminal-transition activity to connected websocket
// clients. Slow clients are dropped rather than allowed to back-pressure
// the fan-out.
type FeedHub struct {
	clients    map[*feedClient]bool
	register   chan *feedClient
	unregister chan *feedClient
	broadcast  chan []byte
	prom       *metrics.Metrics
}

type feedClient struct {
	hub  *FeedHub
	conn *websocket.Conn
	send chan []byte
}

// NewFeedHub creates an activity feed hub.
func NewFeedHub(prom *metrics.Metrics) *FeedHub {
	return &FeedHub{
		clients:    make(map[*feedClient]bool),
		register:   make(chan *feedClient),
		unregister: make(chan *feedClient),
		broadcast:  make(chan []byte, 64),
		prom:       prom,
	}
}

// Run owns the client set. Must be started before ServeWS handles traffic.
func (h *FeedHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			return
		case c := <-h.register:
			h.clients[c] = true
			h.prom.FeedClients.Set(float64(len(h.clients)))
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				h.prom.FeedClients.Set(float64(len(h.clients)))
			}
		case msg := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// slow client: drop it, the feed is advisory
					h.prom.FeedDrops.Inc()
					delete(h.clients, c)
					close(c.send)
				}
			}
			h.prom.FeedClients.Set(float64(len(h.clients)))
		}
	}
}

// Publish broadcasts v as JSON to all connected clients. Non-blocking; a
// saturated broadcast queue drops the message.
func (h *FeedHub) Publish(v any) {
	msg, err := json.Marshal(v)
	if err != nil {
		log.Printf("[feed] marshal: %v", err)
		return
	}
	select {
	case h.broadcast <- msg:
	default:
		h.prom.FeedDrops.Inc()
	}
}

// ServeWS upgrades an HTTP request to a feed subscription.
func (h *FeedHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[feed] upgrade: %v", err)
		return
	}
	c := &feedClient{hub: h, conn: conn, send: make(chan []byte, clientSendBuf)}
	h.register <- c
	go c.writePump()
	go c.readPump()
}

func (c *feedClient) readPump() {
	defer func() {
		c.hub.unregister <- c
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
			return
		}
	}
}

func (c *feedClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
