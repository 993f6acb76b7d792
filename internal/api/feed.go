package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/ReplyPipe/internal/models"
	"github.com/gorilla/websocket"
)

const (
	feedWriteWait  = 10 * time.Second
	feedPongWait   = 60 * time.Second
	feedPingPeriod = feedPongWait * 9 / 10
)

// eventsHandler streams core events as JSON text frames. The optional
// instance_id and type query parameters filter the stream.
func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeJSONResponse(w, http.StatusNotImplemented, models.Error("event feed disabled"))
		return
	}
	q := r.URL.Query()
	instanceID := q.Get("instance_id")
	eventType := models.EventType(q.Get("type"))

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Server.eventsHandler: upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	id, ch, cancel := s.hub.Subscribe()
	defer cancel()
	slog.Info("Server.eventsHandler: subscriber connected", "client", id, "instanceID", instanceID, "type", eventType)

	// Reads only serve to notice the peer going away and to handle pongs.
	closed := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(feedPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(feedPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(feedPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			slog.Info("Server.eventsHandler: subscriber disconnected", "client", id)
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case e, ok := <-ch:
			if !ok {
				return
			}
			if instanceID != "" && e.InstanceID != instanceID {
				continue
			}
			if eventType != "" && e.Type != eventType {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				slog.Debug("Server.eventsHandler: write failed", "client", id, "error", err)
				return
			}
		}
	}
}
