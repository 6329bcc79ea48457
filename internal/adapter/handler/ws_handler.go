package handler

import (
	"context"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/agrous/stock-ledger/internal/core/service"
	"github.com/agrous/stock-ledger/internal/port"
)

const (
	wsReadLimit     = 1 << 10
	wsReadDeadline  = 60 * time.Second // extended by every pong
	wsWriteDeadline = 5 * time.Second
	wsPingInterval  = 25 * time.Second
)

// WSHandler streams live item snapshots to WebSocket clients.
type WSHandler struct {
	items    *service.ItemService
	notifier port.Notifier
	upgrader websocket.Upgrader
	log      logrus.FieldLogger
}

// NewWSHandler accepts upgrades from allowedOrigins. An empty list accepts
// any origin.
func NewWSHandler(items *service.ItemService, notifier port.Notifier, allowedOrigins []string, log logrus.FieldLogger) *WSHandler {
	return &WSHandler{
		items:    items,
		notifier: notifier,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return len(allowedOrigins) == 0 || origin == "" || slices.Contains(allowedOrigins, origin)
			},
		},
	}
}

// ServeItem sends the current snapshot of the item, then every committed
// change until the client goes away.
func (h *WSHandler) ServeItem(w http.ResponseWriter, r *http.Request) {
	itemID := pathParam(r, "id")
	owner := ownerID(r)

	// The subscription outlives the request context once the connection is
	// hijacked, so it gets its own.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Subscribe before reading so a change committed in between is either in
	// the read or on the channel.
	snapshots, unsubscribe, err := h.notifier.SubscribeItem(ctx, itemID)
	if err != nil {
		h.log.WithError(err).WithField("item_id", itemID).Error("subscribe failed")
		writeJSON(w, http.StatusInternalServerError, Response{Message: "internal error", Code: "internal_error"})
		return
	}
	defer unsubscribe()

	item, err := h.items.Get(r.Context(), owner, itemID)
	if err != nil {
		status, code, message := errorStatus(err)
		writeJSON(w, status, Response{Message: message, Code: code})
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	conn.SetReadLimit(wsReadLimit)
	conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
	})

	// Clients only send control frames; the read loop exists to process
	// pongs and notice the close.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
	if err := conn.WriteJSON(item); err != nil {
		return
	}

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case snapshot, ok := <-snapshots:
			if !ok {
				h.writeClose(conn, websocket.CloseGoingAway, "subscription ended")
				return
			}
			// Already covered by the initial read.
			if snapshot.Version <= item.Version {
				continue
			}
			item = &snapshot
			conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
			if err := conn.WriteJSON(snapshot); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *WSHandler) writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(wsWriteDeadline),
	)
}
