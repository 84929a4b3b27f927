package runtime

import (
	"net/http"
	"sort"
	"strings"

	"github.com/drblury/flowrpc/internal/runtime/jsoncodec"
)

// registerMonitor mounts the JSON stats endpoints when the monitor is enabled.
func (c *Channel) registerMonitor() {
	if !c.Conf.MonitorEnabled {
		return
	}
	c.RegisterHTTPHandler(c.Conf.MonitorPort, "/api/stats", http.HandlerFunc(c.handleGetStats))
	c.RegisterHTTPHandler(c.Conf.MonitorPort, "/api/peers", http.HandlerFunc(c.handleGetPeers))
}

func (c *Channel) handleGetStats(w http.ResponseWriter, r *http.Request) {
	c.writeJSON(w, r, func() any { return c.Stats() })
}

func (c *Channel) handleGetPeers(w http.ResponseWriter, r *http.Request) {
	c.writeJSON(w, r, func() any { return c.Peers() })
}

func (c *Channel) writeJSON(w http.ResponseWriter, r *http.Request, body func() any) {
	w.Header().Set("Content-Type", "application/json")

	if c.Conf != nil && len(c.Conf.MonitorCORSAllowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		allowedOrigin := c.getAllowedCORSOrigin(origin)
		if allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
	}

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodGet:
	default:
		w.Header().Set("Allow", "GET, OPTIONS")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := jsoncodec.Encode(w, body()); err != nil {
		c.Logger.Error("Failed to encode monitor response", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// getAllowedCORSOrigin checks if the request origin is allowed and returns the appropriate
// Access-Control-Allow-Origin value.
func (c *Channel) getAllowedCORSOrigin(requestOrigin string) string {
	if c.Conf == nil {
		return ""
	}
	for _, allowed := range c.Conf.MonitorCORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}

func sortPeers(peers []Peer) {
	sort.Slice(peers, func(i, j int) bool {
		if peers[i].Service != peers[j].Service {
			return peers[i].Service < peers[j].Service
		}
		return peers[i].Session < peers[j].Session
	})
}
