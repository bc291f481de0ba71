package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
)

const (
	DeltaMarker         = "marker"
	DeltaMarkerRemove   = "marker:remove"
	DeltaPolyline       = "polyline"
	DeltaPolylineRemove = "polyline:remove"
	DeltaCamera         = "camera"
	DeltaTheme          = "theme"
	DeltaReset          = "reset"
)

// Delta is one scene change. Deltas with an empty TileID go to every
// client; the rest only to clients subscribed to that tile.
type Delta struct {
	Kind   string          `json:"kind"`
	Key    string          `json:"key,omitempty"`
	TileID string          `json:"tile,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type Client struct {
	ID    string
	Send  chan []byte
	tiles map[string]struct{}
	mu    sync.RWMutex

	// sendMu guards closed; Send is only closed by the hub.
	sendMu sync.Mutex
	closed bool
}

func NewClient(id string, bufferSize int) *Client {
	return &Client{
		ID:    id,
		Send:  make(chan []byte, bufferSize),
		tiles: make(map[string]struct{}),
	}
}

// TrySend queues data without blocking. It reports false when the buffer is
// full or the hub has already closed the client.
func (c *Client) TrySend(data []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.Send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.Send)
	}
}

func (c *Client) HasTile(tileID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.tiles[tileID]
	return ok
}

func (c *Client) addTiles(tileIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range tileIDs {
		c.tiles[id] = struct{}{}
	}
}

func (c *Client) removeTiles(tileIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range tileIDs {
		delete(c.tiles, id)
	}
}

func (c *Client) Tiles() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tiles := make([]string, 0, len(c.tiles))
	for id := range c.tiles {
		tiles = append(tiles, id)
	}
	return tiles
}

// Hub fans scene deltas out to websocket clients.
type Hub struct {
	mu          sync.RWMutex
	clients     map[*Client]struct{}
	tileClients map[string]map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	broadcast  chan []Delta

	sent    atomic.Int64
	dropped atomic.Int64

	logger *slog.Logger
}

func New(logger *slog.Logger) *Hub {
	return &Hub{
		clients:     make(map[*Client]struct{}),
		tileClients: make(map[string]map[*Client]struct{}),
		register:    make(chan *Client, 16),
		unregister:  make(chan *Client, 16),
		broadcast:   make(chan []Delta, 256),
		logger:      logger.With("component", "hub"),
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("client registered", "client_id", client.ID, "total", total)

		case client := <-h.unregister:
			h.removeClient(client)

		case deltas := <-h.broadcast:
			h.fanout(deltas)
		}
	}
}

func (h *Hub) Subscribe(client *Client, tileIDs []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client.addTiles(tileIDs)
	for _, tileID := range tileIDs {
		if h.tileClients[tileID] == nil {
			h.tileClients[tileID] = make(map[*Client]struct{})
		}
		h.tileClients[tileID][client] = struct{}{}
	}
}

func (h *Hub) Unsubscribe(client *Client, tileIDs []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client.removeTiles(tileIDs)
	h.detachLocked(client, tileIDs)
}

func (h *Hub) detachLocked(client *Client, tileIDs []string) {
	for _, tileID := range tileIDs {
		if h.tileClients[tileID] != nil {
			delete(h.tileClients[tileID], client)
			if len(h.tileClients[tileID]) == 0 {
				delete(h.tileClients, tileID)
			}
		}
	}
}

// Broadcast queues deltas for fan-out without blocking the caller.
func (h *Hub) Broadcast(deltas []Delta) {
	if len(deltas) == 0 {
		return
	}
	select {
	case h.broadcast <- deltas:
	default:
		h.dropped.Add(int64(len(deltas)))
		h.logger.Warn("broadcast channel full, dropping deltas", "count", len(deltas))
	}
}

func (h *Hub) Register(client *Client) {
	h.register <- client
}

func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// MessagesSent counts messages queued to clients; MessagesDropped counts
// deltas and messages discarded because a buffer was full.
func (h *Hub) MessagesSent() int64    { return h.sent.Load() }
func (h *Hub) MessagesDropped() int64 { return h.dropped.Load() }

type DeltaMessage struct {
	Type    string       `json:"type"`
	Payload DeltaPayload `json:"payload"`
}

type DeltaPayload struct {
	Deltas []Delta `json:"deltas"`
}

// EncodeDeltas builds the wire message for a batch of deltas.
func EncodeDeltas(msgType string, deltas []Delta) ([]byte, error) {
	return json.Marshal(DeltaMessage{Type: msgType, Payload: DeltaPayload{Deltas: deltas}})
}

func (h *Hub) fanout(deltas []Delta) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	clientDeltas := make(map[*Client][]Delta)
	for _, d := range deltas {
		if d.TileID == "" {
			for client := range h.clients {
				clientDeltas[client] = append(clientDeltas[client], d)
			}
			continue
		}
		for client := range h.tileClients[d.TileID] {
			clientDeltas[client] = append(clientDeltas[client], d)
		}
	}

	for client, ds := range clientDeltas {
		data, err := EncodeDeltas("delta", ds)
		if err != nil {
			h.logger.Error("failed to encode deltas", "error", err)
			continue
		}
		h.deliver(client, data)
	}
}

func (h *Hub) deliver(client *Client, data []byte) bool {
	if client.TrySend(data) {
		h.sent.Add(1)
		return true
	}
	h.dropped.Add(1)
	h.logger.Debug("client send buffer full", "client_id", client.ID)
	return false
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}

	h.detachLocked(client, client.Tiles())
	delete(h.clients, client)
	client.close()
	h.logger.Debug("client unregistered", "client_id", client.ID, "total", len(h.clients))
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		client.close()
	}
	h.clients = make(map[*Client]struct{})
	h.tileClients = make(map[string]map[*Client]struct{})
}
