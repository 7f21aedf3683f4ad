package api

import (
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/keboola/docloop/pkg/messages"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = 50 * time.Second
)

// handleEvents handles POST /api/v1/events. The event is queued for
// ingestion; with ?wait=true the response is sent once it has been applied.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var ev messages.LifecycleEvent
	if err := s.parseJSON(r, &ev); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Source == "" {
		ev.Source = "api"
	}

	if r.URL.Query().Get("wait") == "true" {
		if err := s.app.SubmitAndWait(r.Context(), &ev); err != nil {
			s.respondErr(w, err)
			return
		}
		s.respondJSON(w, http.StatusOK, map[string]string{"id": ev.ID, "status": "ingested"})
		return
	}

	if err := s.app.Submit(r.Context(), &ev); err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, map[string]string{"id": ev.ID, "status": "queued"})
}

// handleRecentEvents handles GET /api/v1/events/recent
func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	q := r.URL.Query()
	limit := 50
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	events := s.app.EventBus().Recent(limit, q.Get("type"), q.Get("entity_id"))
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

// streamFilter matches events by type prefix and entity id
func streamFilter(types []string, entityID string) func(*messages.EventMessage) bool {
	return func(ev *messages.EventMessage) bool {
		if entityID != "" && ev.EntityID != entityID {
			return false
		}
		if len(types) == 0 {
			return true
		}
		for _, t := range types {
			if strings.HasPrefix(ev.Type, t) {
				return true
			}
		}
		return false
	}
}

// handleEventStream handles GET /api/v1/events/stream, pushing bus events
// to a websocket client. ?type= takes a comma-separated list of type
// prefixes.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	var types []string
	for _, t := range strings.Split(r.URL.Query().Get("type"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			types = append(types, t)
		}
	}

	// Subscribe before the upgrade so nothing published after the handshake
	// is missed.
	subID := fmt.Sprintf("ws-%s", uuid.New().String())
	sub := s.app.EventBus().Subscribe(subID, streamFilter(types, r.URL.Query().Get("entity_id")))
	defer s.app.EventBus().Unsubscribe(subID)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[API] Websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()
	log.Printf("[API] Stream client %s connected", subID)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(streamPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub.Channel:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(streamWriteWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				log.Printf("[API] Stream client %s write failed: %v", subID, err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		case <-closed:
			log.Printf("[API] Stream client %s disconnected", subID)
			return
		case <-r.Context().Done():
			return
		}
	}
}
