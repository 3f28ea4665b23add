// Package ws streams committed ledger events to WebSocket clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/nftbazaar/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
	maxBackfill    = 500
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Config names the bus channel carrying live events and the stream used to
// replay missed ones.
type Config struct {
	Channel string
	Stream  string
}

// Hub fans events from the signal bus out to connected clients.
type Hub struct {
	cfg        Config
	bus        domain.SignalBus
	clients    map[*client]bool
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	mu         sync.RWMutex
	logger     *slog.Logger
}

// NewHub creates a Hub reading live events from cfg.Channel on bus. Call Run
// before serving HandleWS.
func NewHub(bus domain.SignalBus, cfg Config, logger *slog.Logger) *Hub {
	return &Hub{
		cfg:        cfg,
		bus:        bus,
		clients:    make(map[*client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		logger:     logger.With(slog.String("component", "ws_hub")),
	}
}

// Run subscribes to the event channel and serves registrations until ctx is
// cancelled.
func (h *Hub) Run(ctx context.Context) error {
	msgs, err := h.bus.Subscribe(ctx, h.cfg.Channel)
	if err != nil {
		return err
	}
	h.logger.Info("ws: subscribed to channel", slog.String("channel", h.cfg.Channel))

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client connected", slog.Int("total_clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if h.clients[c] {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client disconnected", slog.Int("total_clients", n))

		case data, ok := <-msgs:
			if !ok {
				h.logger.Warn("ws: event subscription closed", slog.String("channel", h.cfg.Channel))
				msgs = nil
				continue
			}
			h.fanOut(data)
		}
	}
}

func (h *Hub) fanOut(data []byte) {
	var head eventHead
	if err := json.Unmarshal(data, &head); err != nil {
		h.logger.Warn("ws: dropping malformed event", slog.String("error", err.Error()))
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.wants(head) {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.logger.Warn("ws: dropping message for slow client")
		}
	}
}

func (h *Hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWS upgrades the connection. Query parameters:
//
//	kinds=ListingSold,PriceUpdated  only these event kinds
//	listing=7                         only events about listing 7
//	since=<stream id>                 replay stream entries after this id
//
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := filter{kinds: map[domain.EventKind]bool{}}
	for _, k := range strings.Split(q.Get("kinds"), ",") {
		if k = strings.TrimSpace(k); k != "" {
			f.kinds[domain.EventKind(k)] = true
		}
	}
	if v := q.Get("listing"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			http.Error(w, `{"error":"listing must be an integer","code":"invalid_request"}`, http.StatusBadRequest)
			return
		}
		f.listing = id
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{hub: h, conn: conn, send: make(chan []byte, sendBufferSize), filter: f}
	h.register <- c
	var backlog [][]byte
	if since := q.Get("since"); since != "" && h.cfg.Stream != "" {
		backlog = h.backfill(r.Context(), c, since)
	}

	go c.writePump(backlog)
	go c.readPump()
}

// backfill returns the stream entries after since that pass the client's
// filter. The write pump sends them ahead of anything queued on c.send, so
// the backlog is not bounded by the send buffer. Live events may arrive
// twice; clients dedupe by seq.
func (h *Hub) backfill(ctx context.Context, c *client, since string) [][]byte {
	entries, err := h.bus.StreamRead(ctx, h.cfg.Stream, since, maxBackfill)
	if err != nil {
		h.logger.Warn("ws: backfill failed", slog.String("since", since), slog.String("error", err.Error()))
		return nil
	}
	backlog := make([][]byte, 0, len(entries))
	for _, e := range entries {
		var head eventHead
		if json.Unmarshal(e.Payload, &head) != nil || !c.wants(head) {
			continue
		}
		backlog = append(backlog, e.Payload)
	}
	return backlog
}

// eventHead is the part of an event the filters look at.
type eventHead struct {
	Kind      domain.EventKind `json:"kind"`
	ListingID uint64           `json:"listing_id"`
}

type filter struct {
	kinds   map[domain.EventKind]bool
	listing uint64
}

type client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	mu     sync.RWMutex
	filter filter
}

// controlMsg changes a client's kind filter:
// {"action":"subscribe","kinds":["ListingSold"]}.
type controlMsg struct {
	Action string   `json:"action"`
	Kinds  []string `json:"kinds"`
}

func (c *client) wants(ev eventHead) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.filter.listing != 0 && ev.ListingID != c.filter.listing {
		return false
	}
	return len(c.filter.kinds) == 0 || c.filter.kinds[ev.Kind]
}

func (c *client) apply(msg controlMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch msg.Action {
	case "subscribe":
		for _, k := range msg.Kinds {
			c.filter.kinds[domain.EventKind(k)] = true
		}
	case "unsubscribe":
		for _, k := range msg.Kinds {
			delete(c.filter.kinds, domain.EventKind(k))
		}
	case "reset":
		c.filter.kinds = map[domain.EventKind]bool{}
	}
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close error", slog.String("error", err.Error()))
			}
			return
		}
		var msg controlMsg
		if json.Unmarshal(message, &msg) == nil && msg.Action != "" {
			c.apply(msg)
		}
	}
}

func (c *client) writePump(backlog [][]byte) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for _, message := range backlog {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
