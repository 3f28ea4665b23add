package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/nftbazaar/internal/domain"
)

type chanBus struct {
	live    chan []byte
	entries []domain.StreamMessage
}

func (b *chanBus) Publish(context.Context, string, []byte) error { return nil }

func (b *chanBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return b.live, nil
}

func (b *chanBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (b *chanBus) StreamRead(_ context.Context, _ string, lastID string, count int) ([]domain.StreamMessage, error) {
	var out []domain.StreamMessage
	for _, e := range b.entries {
		if e.ID > lastID && len(out) < count {
			out = append(out, e)
		}
	}
	return out, nil
}

func eventJSON(kind domain.EventKind, listing uint64) []byte {
	b, _ := json.Marshal(map[string]any{"kind": kind, "listing_id": listing})
	return b
}

func startHub(t *testing.T, bus *chanBus) (*Hub, string) {
	t.Helper()
	hub := NewHub(bus, Config{Channel: "bazaar:events", Stream: "bazaar:events:stream"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	srv := httptest.NewServer(httpHandler(hub))
	t.Cleanup(srv.Close)
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, hub *Hub, url string, want int) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return hub.clientCount() == want }, time.Second, 5*time.Millisecond)
	return conn
}

func read(t *testing.T, conn *websocket.Conn) eventHead {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var head eventHead
	require.NoError(t, json.Unmarshal(data, &head))
	return head
}

func TestHubFiltersByKindAndListing(t *testing.T) {
	bus := &chanBus{live: make(chan []byte, 8)}
	hub, url := startHub(t, bus)

	all := dial(t, hub, url+"/ws", 1)
	sold := dial(t, hub, url+"/ws?kinds=ListingSold", 2)
	seven := dial(t, hub, url+"/ws?listing=7", 3)

	bus.live <- eventJSON(domain.EventPriceUpdated, 3)
	bus.live <- eventJSON(domain.EventListingSold, 7)

	assert.Equal(t, domain.EventPriceUpdated, read(t, all).Kind)
	assert.Equal(t, domain.EventListingSold, read(t, all).Kind)
	assert.Equal(t, eventHead{Kind: domain.EventListingSold, ListingID: 7}, read(t, sold))
	assert.Equal(t, uint64(7), read(t, seven).ListingID)
}

func TestHubBackfillSince(t *testing.T) {
	bus := &chanBus{
		live: make(chan []byte),
		entries: []domain.StreamMessage{
			{ID: "1-0", Payload: eventJSON(domain.EventListingCreated, 1)},
			{ID: "2-0", Payload: eventJSON(domain.EventListingCancelled, 1)},
			{ID: "3-0", Payload: eventJSON(domain.EventFeeUpdated, 0)},
		},
	}
	hub, url := startHub(t, bus)

	conn := dial(t, hub, url+"/ws?since=1-0", 1)
	assert.Equal(t, domain.EventListingCancelled, read(t, conn).Kind)
	assert.Equal(t, domain.EventFeeUpdated, read(t, conn).Kind)
}

func TestHubBackfillLargerThanSendBuffer(t *testing.T) {
	const n = sendBufferSize + 150
	bus := &chanBus{live: make(chan []byte)}
	for i := 1; i <= n; i++ {
		bus.entries = append(bus.entries, domain.StreamMessage{
			ID:      fmt.Sprintf("%06d-0", i),
			Payload: eventJSON(domain.EventListingCreated, uint64(i)),
		})
	}
	hub, url := startHub(t, bus)

	conn := dial(t, hub, url+"/ws?since=000000-0", 1)
	for i := 1; i <= n; i++ {
		require.Equal(t, uint64(i), read(t, conn).ListingID)
	}
}

func TestClientControlMessages(t *testing.T) {
	c := &client{filter: filter{kinds: map[domain.EventKind]bool{}}}
	assert.True(t, c.wants(eventHead{Kind: domain.EventPauseToggled}))

	c.apply(controlMsg{Action: "subscribe", Kinds: []string{"ListingSold"}})
	assert.False(t, c.wants(eventHead{Kind: domain.EventPauseToggled}))
	assert.True(t, c.wants(eventHead{Kind: domain.EventListingSold}))

	c.apply(controlMsg{Action: "reset"})
	assert.True(t, c.wants(eventHead{Kind: domain.EventPauseToggled}))
}

func httpHandler(h *Hub) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", h.HandleWS)
	return mux
}
