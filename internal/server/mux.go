// Package server provides HTTP server construction for workspace-sync.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/workspace-sync/internal/auth"
	"github.com/alexjbarnes/workspace-sync/internal/queue"
)

// HealthFunc reports the queue summary and whether sync is online.
type HealthFunc func() (queue.Summary, bool, error)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Store      *auth.Store
	MCPHandler http.Handler
	Health     HealthFunc
	Logger     *slog.Logger
}

type healthResponse struct {
	Status string         `json:"status"`
	Online bool           `json:"online"`
	Queue  *queue.Summary `json:"queue,omitempty"`
}

// NewMux builds the HTTP mux with the health endpoint and the MCP
// endpoint. The MCP endpoint is protected by API key middleware.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealth(cfg.Health, cfg.Logger))

	authMiddleware := auth.Middleware(cfg.Store, cfg.Logger)
	mux.Handle("/mcp", authMiddleware(cfg.MCPHandler))

	return mux
}

func handleHealth(health HealthFunc, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		resp := healthResponse{Status: "ok", Online: true}
		status := http.StatusOK

		if health != nil {
			summary, online, err := health()
			if err != nil {
				logger.Warn("health check failed", slog.String("error", err.Error()))
				resp.Status = "error"
				status = http.StatusServiceUnavailable
			} else {
				resp.Online = online
				resp.Queue = &summary
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(resp)
	}
}
