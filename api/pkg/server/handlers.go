package server

import (
	"encoding/json"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/raidlink/raidlink/api/pkg/stream"
	"github.com/raidlink/raidlink/api/pkg/version"
)

type healthResponse struct {
	Status        string `json:"status"`
	Clients       int    `json:"clients"`
	ActiveStreams int    `json:"activeStreams"`
	Timestamp     int64  `json:"timestamp"`
}

type streamEntry struct {
	stream.Info
	DurationSeconds int64 `json:"durationSeconds"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *RaidlinkAPIServer) handleIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service": "raidlink",
		"version": version.Version,
		"endpoints": []string{
			"/ws", "/health", "/streams", "/metrics", "/live/{agentId}/stream.m3u8",
		},
	})
}

func (s *RaidlinkAPIServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        "ok",
		Clients:       s.hub.PeerCount(),
		ActiveStreams: s.streams.ActiveCount(),
		Timestamp:     time.Now().UnixMilli(),
	})
}

func (s *RaidlinkAPIServer) handleStreams(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UnixMilli()
	active := s.streams.Active()
	entries := make([]streamEntry, 0, len(active))
	for _, info := range active {
		entries = append(entries, streamEntry{
			Info:            info,
			DurationSeconds: (now - info.StartedAt) / 1000,
		})
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleLiveFile serves the rolling playlist and segments for one agent
// straight off disk. Segments rotate constantly, so everything goes out
// uncacheable, and CORS is open for browser players on other origins.
func (s *RaidlinkAPIServer) handleLiveFile(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	agentID := vars["agentID"]
	file := vars["file"]

	// The route pattern already excludes path separators; reject any
	// remaining traversal attempt outright.
	if file != filepath.Base(file) || strings.Contains(file, "..") {
		http.Error(w, "invalid path", http.StatusBadRequest)
		return
	}

	switch filepath.Ext(file) {
	case ".m3u8":
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	case ".ts":
		w.Header().Set("Content-Type", "video/mp2t")
	default:
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Cache-Control", "no-cache, no-store")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	http.ServeFile(w, r, filepath.Join(s.cfg.Stream.LiveRoot, agentID, file))
}
