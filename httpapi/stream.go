package httpapi

import (
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"pkt.systems/pslog"
)

const streamWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: sameOrigin,
}

// sameOrigin accepts clients without an Origin header (CLI, tests) and pages
// served by this daemon.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return parsed.Host == r.Host
}

func (s *Server) handleTelemetryStream(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("telemetry stream unavailable"))
		return
	}
	log := pslog.Ctx(r.Context())
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("http telemetry upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	events, cancel := s.deps.Events.Subscribe()
	defer cancel()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Debug("http telemetry stream read failed", "err", err)
				}
				return
			}
		}
	}()

	log.Info("http telemetry stream opened")
	sent := 0
	for {
		select {
		case <-closed:
			log.Info("http telemetry stream closed", "sent", sent)
			return
		case <-r.Context().Done():
			log.Info("http telemetry stream closed", "sent", sent, "reason", "shutdown")
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteJSON(event); err != nil {
				log.Warn("http telemetry stream write failed", "err", err)
				return
			}
			sent++
		}
	}
}
