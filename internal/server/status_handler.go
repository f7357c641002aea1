package server

import (
	"encoding/json"
	"net"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/process"
)

// StatusResponse contains relay status information returned by the /status endpoint.
type StatusResponse struct {
	// ListeningAddress is the address the relay is listening on.
	ListeningAddress string `json:"listening_address"`

	// Sessions is the number of open WebSocket connections, authenticated or not.
	Sessions int `json:"sessions"`

	// Devices lists the registered device ids, sorted.
	Devices []string `json:"devices"`

	// Clients is the number of registered control clients.
	Clients int `json:"clients"`

	// ReplacePolicy is the active device replacement policy.
	ReplacePolicy string `json:"replace_policy"`

	// UptimeSeconds is how long the relay has been running, in seconds.
	UptimeSeconds int64 `json:"uptime_seconds"`

	// Goroutines is the current goroutine count, roughly two per session.
	Goroutines int `json:"goroutines"`

	// RSSBytes is the resident memory of the relay process. Zero if it
	// could not be read.
	RSSBytes uint64 `json:"rss_bytes"`
}

// StatusHandler handles HTTP requests for relay status.
// This endpoint is restricted to local machine addresses.
type StatusHandler struct {
	server        *Server
	startTime     time.Time
	replacePolicy string
	proc          *process.Process
}

// NewStatusHandler creates a new StatusHandler.
// The handler captures the current time as the relay start time for uptime calculation.
func NewStatusHandler(s *Server, replacePolicy string) *StatusHandler {
	h := &StatusHandler{
		server:        s,
		startTime:     time.Now(),
		replacePolicy: replacePolicy,
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		h.proc = proc
	}
	return h
}

// ServeHTTP handles GET /status. Non-local requests receive 403 and
// other methods receive 405.
func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !isLoopbackRequest(r) {
		http.Error(w, "Forbidden: status endpoint is local-only", http.StatusForbidden)
		return
	}

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	registry := h.server.relay.Registry()
	_, clients := registry.Counts()

	resp := StatusResponse{
		ListeningAddress: h.server.Addr(),
		Sessions:         h.server.SessionCount(),
		Devices:          registry.DeviceIDs(),
		Clients:          clients,
		ReplacePolicy:    h.replacePolicy,
		UptimeSeconds:    int64(time.Since(h.startTime).Seconds()),
		Goroutines:       runtime.NumGoroutine(),
	}
	if h.proc != nil {
		if mem, err := h.proc.MemoryInfo(); err == nil {
			resp.RSSBytes = mem.RSS
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.server.logger.Warn().Err(err).Msg("failed to encode status response")
	}
}

// isLoopbackRequest reports whether r came from the local machine.
// Unparseable addresses are rejected.
func isLoopbackRequest(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}
