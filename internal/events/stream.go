package events

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tessera-labs/tessera-go/internal/domain"
)

const (
	streamWriteTimeout = 5 * time.Second
	streamSendBuffer   = 64
)

// StreamHub relays dispatched events to connected websocket clients. The
// relay is best effort: a client that cannot keep up is dropped rather than
// allowed to stall delivery.
type StreamHub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*streamClient]struct{}
}

type streamClient struct {
	conn *websocket.Conn
	send chan streamFrame
}

type streamFrame struct {
	ID            string         `json:"id"`
	Kind          string         `json:"kind"`
	CorrelationID string         `json:"correlation_id"`
	Seq           int64          `json:"seq"`
	Payload       map[string]any `json:"payload,omitempty"`
	OccurredAt    time.Time      `json:"occurred_at"`
}

func NewStreamHub(logger *slog.Logger) *StreamHub {
	return &StreamHub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients: map[*streamClient]struct{}{},
	}
}

// Handler is registered on the bus via SubscribeAll. It never fails: a full
// client buffer drops the client, not the delivery.
func (h *StreamHub) Handler(ctx context.Context, e domain.Event) error {
	frame := streamFrame{
		ID:            e.ID,
		Kind:          string(e.Kind),
		CorrelationID: e.CorrelationID,
		Seq:           e.Seq,
		Payload:       e.Payload,
		OccurredAt:    e.OccurredAt,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client.send <- frame:
		default:
			h.dropLocked(client)
		}
	}
	return nil
}

func (h *StreamHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log("websocket upgrade failed", "error", err)
		return
	}
	client := &streamClient{
		conn: conn,
		send: make(chan streamFrame, streamSendBuffer),
	}

	h.mu.Lock()
	h.clients[client] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()
	h.log("stream client connected", "clients", total)

	go h.writeLoop(client)
	go h.readLoop(client)
}

func (h *StreamHub) writeLoop(client *streamClient) {
	for frame := range client.send {
		_ = client.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
		if err := client.conn.WriteJSON(frame); err != nil {
			h.mu.Lock()
			h.dropLocked(client)
			h.mu.Unlock()
			return
		}
	}
	_ = client.conn.Close()
}

// readLoop discards inbound frames and notices disconnects.
func (h *StreamHub) readLoop(client *streamClient) {
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			h.mu.Lock()
			h.dropLocked(client)
			h.mu.Unlock()
			return
		}
	}
}

func (h *StreamHub) dropLocked(client *streamClient) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
}

// ClientCount reports connected clients, for the readiness payload.
func (h *StreamHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *StreamHub) log(msg string, args ...any) {
	if h.logger == nil {
		return
	}
	h.logger.Info(msg, args...)
}
