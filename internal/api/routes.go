package api

import (
	"encoding/json"
	"net/http"
	"time"
)

var timeNow = time.Now

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *APIServer) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"version": s.version,
	})
}

func (s *APIServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.cfg)
}

func (s *APIServer) handleStats(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{}
	if s.stats != nil {
		out["routes"] = s.stats.Routes.Snapshot()
		out["pings"] = s.stats.Pings.Snapshot()
		out["tasks"] = s.stats.Tasks.Snapshot()
	}
	if s.beacon != nil {
		out["beacon"] = map[string]any{
			"succeeded": s.beacon.Succeeded(),
			"attempts":  s.beacon.Attempts(),
		}
	}
	if s.logBroadcaster != nil {
		out["log_lines_dropped"] = s.logBroadcaster.Dropped()
	}
	writeJSON(w, out)
}

func (s *APIServer) handleRouteStats(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		writeJSON(w, []any{})
		return
	}
	writeJSON(w, s.stats.Routes.Snapshot())
}

func (s *APIServer) handlePingStats(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		writeJSON(w, []any{})
		return
	}
	writeJSON(w, s.stats.Pings.Snapshot())
}

func (s *APIServer) handleTaskStats(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		writeJSON(w, []any{})
		return
	}
	writeJSON(w, s.stats.Tasks.Snapshot())
}
