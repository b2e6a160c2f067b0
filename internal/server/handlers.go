package server

import (
	"encoding/json"
	"net/http"

	"github.com/dgnsrekt/logrelay/internal/ratelimit"
	"github.com/dgnsrekt/logrelay/internal/relay"
)

type handlers struct {
	relay   *relay.Relay
	limiter *ratelimit.Limiter
}

type errorResponse struct {
	Error string `json:"error"`
}

type healthResponse struct {
	Status string `json:"status"`
}

type statsResponse struct {
	relay.Stats
	TrackedAddresses int `json:"trackedAddresses"`
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

func (h *handlers) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statsResponse{
		Stats:            h.relay.Hub().Stats(),
		TrackedAddresses: h.limiter.Len(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
