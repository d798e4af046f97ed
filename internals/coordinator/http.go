package coordinator

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

func (c *Coordinator) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

func (c *Coordinator) handleHealth(w http.ResponseWriter, r *http.Request) {
	rooms, players := c.registry.Counts()

	status := "healthy"
	redisStatus := "disabled"
	if c.mirror != nil {
		if err := c.mirror.Ping(); err != nil {
			redisStatus = "unreachable"
		} else {
			redisStatus = "ok"
		}
	}

	resp := map[string]interface{}{
		"status":       status,
		"uptime":       time.Since(c.startedAt).String(),
		"rooms":        rooms,
		"players":      players,
		"connections":  c.hub.ClientCount(),
		"mediaWorkers": c.pool.Size(),
		"redis":        redisStatus,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (c *Coordinator) handleRoomsAPI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"rooms": c.registry.Stats(),
		"media": c.graph.Stats(),
	})
}

func (c *Coordinator) handleRoomAPI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	code := strings.TrimPrefix(r.URL.Path, "/api/rooms/")
	if code == "" {
		http.Error(w, "room code required", http.StatusBadRequest)
		return
	}

	snap, err := c.registry.Snapshot(code)
	if err != nil {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snap)
}
