package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	phase "github.com/goliatone/go-phase"
	"github.com/goliatone/go-phase/events"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 4 * 1024
)

type wsHandler struct {
	upgrader websocket.Upgrader
	sink     *events.Sink
	logger   phase.Logger

	mu    sync.Mutex
	conns map[*websocket.Conn]events.Subscription
}

func newWSHandler(sink *events.Sink, logger phase.Logger) *wsHandler {
	return &wsHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		sink:   sink,
		logger: logger,
		conns:  make(map[*websocket.Conn]events.Subscription),
	}
}

// serve streams events as JSON text frames. The case comes from the route
// when present; ?types=a,b narrows the event types.
func (h *wsHandler) serve(w http.ResponseWriter, r *http.Request) {
	opts := []events.SubscribeOption{}
	if caseID := strings.TrimSpace(chi.URLParam(r, "caseID")); caseID != "" {
		opts = append(opts, events.ForCase(caseID))
	}
	if raw := r.URL.Query().Get("types"); raw != "" {
		var types []events.Type
		for _, part := range strings.Split(raw, ",") {
			t := events.Type(strings.TrimSpace(part))
			if !t.Valid() {
				http.Error(w, "unknown event type "+string(t), http.StatusBadRequest)
				return
			}
			types = append(types, t)
		}
		opts = append(opts, events.WithTypes(types...))
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed: %v", err)
		return
	}

	sub := h.sink.SubscribeWith(opts...)
	h.mu.Lock()
	h.conns[conn] = sub
	h.mu.Unlock()

	go h.writePump(conn, sub)
	go h.readPump(conn, sub)
}

// readPump only watches for the peer going away.
func (h *wsHandler) readPump(conn *websocket.Conn, sub events.Subscription) {
	defer h.drop(conn, sub)

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn("websocket read error: %v", err)
			}
			return
		}
	}
}

func (h *wsHandler) writePump(conn *websocket.Conn, sub events.Subscription) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case evt, ok := <-sub.C():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				h.logger.Error("encode event %s: %v", evt.Type, err)
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				h.drop(conn, sub)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.drop(conn, sub)
				return
			}
		}
	}
}

func (h *wsHandler) drop(conn *websocket.Conn, sub events.Subscription) {
	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
	sub.Unsubscribe()
}

func (h *wsHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

func (h *wsHandler) closeAll() {
	h.mu.Lock()
	subs := make([]events.Subscription, 0, len(h.conns))
	for conn, sub := range h.conns {
		subs = append(subs, sub)
		delete(h.conns, conn)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
}
