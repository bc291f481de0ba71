package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"fleetview/internal/domain"
	"fleetview/internal/hub"
	"fleetview/internal/mapview"
	"fleetview/internal/scene"
)

type WSHandler struct {
	hub      *hub.Hub
	scene    *scene.Scene
	adapter  *mapview.Adapter
	stats    *Stats
	tileZoom int
	logger   *slog.Logger
}

func NewWSHandler(h *hub.Hub, sc *scene.Scene, adapter *mapview.Adapter, stats *Stats, tileZoom int, logger *slog.Logger) *WSHandler {
	return &WSHandler{
		hub:      h,
		scene:    sc,
		adapter:  adapter,
		stats:    stats,
		tileZoom: tileZoom,
		logger:   logger.With("component", "ws_handler"),
	}
}

type WSMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SubscribePayload names tiles directly or by a viewport box.
type SubscribePayload struct {
	TileIDs []string            `json:"tileIds"`
	BBox    *domain.BoundingBox `json:"bbox,omitempty"`
}

type UnsubscribePayload struct {
	TileIDs []string `json:"tileIds"`
}

type SelectPayload struct {
	VehicleID int64 `json:"vehicleId"`
}

type ResultMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("websocket accept failed", "error", err)
		return
	}

	clientID := uuid.New().String()
	client := hub.NewClient(clientID, 256)

	h.hub.Register(client)
	h.stats.IncWSConnections()
	defer h.stats.DecWSConnections()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go h.writeLoop(ctx, conn, client)

	h.readLoop(ctx, conn, client)
}

func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, client *hub.Client) {
	defer func() {
		h.hub.Unregister(client)
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				h.logger.Debug("websocket read error", "client_id", client.ID, "error", err)
			}
			return
		}

		if msgType != websocket.MessageText {
			continue
		}
		h.stats.IncWSMessagesIn()

		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Debug("invalid message format", "client_id", client.ID, "error", err)
			continue
		}

		h.handleMessage(client, msg)
	}
}

func (h *WSHandler) handleMessage(client *hub.Client, msg WSMessage) {
	switch msg.Type {
	case "subscribe":
		var payload SubscribePayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return
		}
		tileIDs := validTiles(payload.TileIDs)
		if payload.BBox != nil {
			tileIDs = append(tileIDs, hub.TilesIn(*payload.BBox, h.tileZoom)...)
		}
		if len(tileIDs) > 0 {
			h.hub.Subscribe(client, tileIDs)
			h.sendSnapshot(client, tileIDs)
		}

	case "unsubscribe":
		var payload UnsubscribePayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return
		}
		if len(payload.TileIDs) > 0 {
			h.hub.Unsubscribe(client, payload.TileIDs)
		}

	case "select":
		var payload SelectPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return
		}
		focused, err := h.adapter.HandleMarkerClick(payload.VehicleID)
		h.sendResult(client, "select:result", map[string]interface{}{
			"vehicleId": payload.VehicleID,
			"focused":   focused,
			"error":     errorString(err),
		})

	case "focusAll":
		applied, err := h.adapter.FocusAll()
		h.sendResult(client, "focusAll:result", map[string]interface{}{
			"applied": applied,
			"error":   errorString(err),
		})

	case "toggleTheme":
		theme, err := h.adapter.ToggleTheme()
		h.sendResult(client, "theme:result", map[string]interface{}{
			"theme": theme,
			"error": errorString(err),
		})

	case "ping":
		h.sendResult(client, "pong", nil)

	default:
		h.logger.Debug("unknown message type", "client_id", client.ID, "type", msg.Type)
	}
}

func (h *WSHandler) writeLoop(ctx context.Context, conn *websocket.Conn, client *hub.Client) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-client.Send:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Write(writeCtx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				return
			}
			h.stats.IncWSMessagesOut()

		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (h *WSHandler) sendSnapshot(client *hub.Client, tileIDs []string) {
	data, err := hub.EncodeDeltas("snapshot", h.scene.SnapshotForTiles(tileIDs))
	if err != nil {
		return
	}

	if !client.TrySend(data) {
		h.logger.Debug("failed to send snapshot", "client_id", client.ID)
	}
}

func (h *WSHandler) sendResult(client *hub.Client, typ string, payload interface{}) {
	data, err := json.Marshal(ResultMessage{Type: typ, Payload: payload})
	if err != nil {
		return
	}

	client.TrySend(data)
}

func validTiles(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := hub.ParseTile(id); ok {
			out = append(out, id)
		}
	}
	return out
}

func errorString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
