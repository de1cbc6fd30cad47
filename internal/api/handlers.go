package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"vault-keeper/internal/config"
)

// Handlers holds all HTTP handler dependencies
type Handlers struct {
	provider SnapshotProvider
	cfg      config.Config
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandlers creates a new handlers instance
func NewHandlers(provider SnapshotProvider, cfg config.Config, hub *Hub, logger *slog.Logger) *Handlers {
	h := &Handlers{
		provider: provider,
		cfg:      cfg,
		hub:      hub,
		logger:   logger.With("component", "api-handlers"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r.Header.Get("Origin"), cfg.Dashboard, r.Host)
		},
	}
	return h
}

// isOriginAllowed decides whether a browser origin may open the stream.
// Non-browser clients send no Origin and are always allowed. With an
// allowlist configured only exact matches pass; otherwise loopback and
// same-host origins do.
func isOriginAllowed(origin string, cfg config.DashboardConfig, reqHost string) bool {
	if origin == "" {
		return true
	}
	if len(cfg.AllowedOrigins) > 0 {
		for _, allowed := range cfg.AllowedOrigins {
			if strings.EqualFold(strings.TrimRight(allowed, "/"), origin) {
				return true
			}
		}
		return false
	}

	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return strings.EqualFold(u.Host, reqHost)
}

// healthResponse is served on /health.
type healthResponse struct {
	Status           string `json:"status"` // "ok" or "degraded"
	SubscriberUp     bool   `json:"subscriber_up"`
	KillSwitchActive bool   `json:"kill_switch_active"`
	LastBlock        uint64 `json:"last_block"`
	DryRun           bool   `json:"dry_run"`
}

// HandleHealth reports liveness. The keeper is degraded while the event
// subscription is down or the kill switch is engaged; it still answers 200.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	sub := h.provider.SubscriberStatus()
	rs := h.provider.RiskSnapshot()

	resp := healthResponse{
		Status:           "ok",
		SubscriberUp:     sub.Connected,
		KillSwitchActive: rs.KillSwitchActive,
		LastBlock:        sub.LastBlock,
		DryRun:           h.cfg.DryRun,
	}
	if !sub.Connected || rs.KillSwitchActive {
		resp.Status = "degraded"
	}
	h.writeJSON(w, resp)
}

// HandleSnapshot returns the current dashboard state
func (h *Handlers) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, BuildSnapshot(h.provider, h.cfg))
}

// HandleLoans returns tracked loans only.
func (h *Handlers) HandleLoans(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, loanStatuses(h.provider.Tracker().Loans()))
}

// HandleOrders returns tracked subscription orders only.
func (h *Handlers) HandleOrders(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, orderStatuses(h.provider.Tracker().Orders()))
}

// HandleWebSocket upgrades the connection, registers it with the hub and
// sends the current snapshot as the first message.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err, "origin", r.Header.Get("Origin"))
		return
	}

	client := NewClient(h.hub, conn)
	if client == nil {
		return
	}

	data, err := json.Marshal(DashboardEvent{
		Type:      EventSnapshot,
		Timestamp: time.Now(),
		Data:      BuildSnapshot(h.provider, h.cfg),
	})
	if err != nil {
		h.logger.Error("failed to marshal initial snapshot", "error", err)
		return
	}

	if !client.enqueue(data) {
		h.logger.Warn("failed to send initial snapshot to client")
	}
}

func (h *Handlers) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
