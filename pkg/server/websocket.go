package server

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nstogner/qdash/pkg/domain"
	"github.com/nstogner/qdash/pkg/store"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all for now (Dev/Prod separation handled elsewhere or allow local)
	},
}

// treeUpdate is pushed to watchers whenever a session's tree changes.
type treeUpdate struct {
	SessionID  string                  `json:"session_id"`
	Config     any                     `json:"config"`
	SMEnabled  map[string]bool         `json:"sm_enabled"`
	Connection domain.ConnectionStatus `json:"connection"`
}

func (s *Server) handleWatchWebSocket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		http.Error(w, "Missing session ID", http.StatusBadRequest)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade websocket", "error", err)
		return
	}
	defer ws.Close()

	// Subscribe before the initial push so no change slips between them.
	updates := s.store.Subscribe()
	defer s.store.Unsubscribe(updates)
	if err := ws.WriteJSON(s.treeUpdate(id)); err != nil {
		slog.Error("Failed initial sync", "error", err)
		return
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)

	// Writer Loop (Pusher)
	go func() {
		defer wg.Done()
		defer ws.Close()

		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case eventID := <-updates:
				// Connection changes are global and shown with every tree.
				if eventID != id && eventID != store.GlobalEvent {
					continue
				}
				if err := ws.WriteJSON(s.treeUpdate(id)); err != nil {
					slog.Error("Failed (re)sync", "error", err)
					return
				}
			case <-ticker.C:
				deadline := time.Now().Add(5 * time.Second)
				if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return
				}
			}
		}
	}()

	// Reader Loop: watchers only listen, reading detects the close.
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("WebSocket read error", "error", err)
			}
			break
		}
	}

	close(done)
	wg.Wait()
}

func (s *Server) treeUpdate(id string) treeUpdate {
	tree, _ := s.store.Tree(id)
	sm := make(map[string]bool)
	for _, env := range tree.Envs() {
		sm[env] = s.store.StandardModelEnabled(id, env)
	}
	return treeUpdate{
		SessionID:  id,
		Config:     tree.EnvsNode(),
		SMEnabled:  sm,
		Connection: s.store.Connection(),
	}
}
