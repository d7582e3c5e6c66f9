package server

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/morezero/chatcore/pkg/protocol"
	"github.com/morezero/chatcore/pkg/router"
)

const httpLogPrefix = "server:http"

// HealthOutput is the /health body.
type HealthOutput struct {
	Status    string       `json:"status"`
	Checks    HealthChecks `json:"checks"`
	Timestamp string       `json:"timestamp"`
}

type HealthChecks struct {
	Store bool `json:"store"`
}

// Stats is the /stats body.
type Stats struct {
	Connections     int    `json:"connections"`
	OnlineUsers     int    `json:"onlineUsers"`
	Sessions        int    `json:"sessions"`
	UptimeSeconds   int64  `json:"uptimeSeconds"`
	ProtocolVersion string `json:"protocolVersion"`
}

// Health checks the backing store within the configured timeout.
func (s *Server) Health(ctx context.Context) *HealthOutput {
	h := &HealthOutput{Status: "healthy", Checks: HealthChecks{Store: true}, Timestamp: time.Now().UTC().Format(time.RFC3339)}
	if s.ping != nil {
		if err := s.ping(ctx); err != nil {
			slog.Warn(fmt.Sprintf("%s - store health check failed: %v", httpLogPrefix, err))
			h.Checks.Store = false
			h.Status = "unhealthy"
		}
	}
	return h
}

// Stats reports live counters.
func (s *Server) Stats() Stats {
	return Stats{
		Connections:     s.router.Count(),
		OnlineUsers:     len(s.router.OnlineUsers()),
		Sessions:        s.sessions.Count(),
		UptimeSeconds:   int64(time.Since(s.started).Seconds()),
		ProtocolVersion: protocol.Version,
	}
}

// Handler serves the status page, /health, /ready, /stats and the websocket transport.
func (s *Server) Handler() http.Handler {
	rt := httprouter.New()
	rt.GET("/", s.handleHome())
	rt.GET("/health", s.handleHealth)
	rt.GET("/ready", s.handleReady)
	rt.GET("/stats", s.handleStats)
	rt.GET(s.cfg.WSPath, s.handleWebSocket)
	return rt
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
	defer cancel()
	h := s.Health(ctx)
	status := http.StatusOK
	if h.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	if s.Closing() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "stopping"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.Stats())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to write response: %v", httpLogPrefix, err))
	}
}

// handleWebSocket upgrades the request and serves the envelope protocol over it.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - websocket upgrade from %s failed: %v", httpLogPrefix, r.RemoteAddr, err))
		return
	}
	slog.Debug(fmt.Sprintf("%s - websocket connection from %s", httpLogPrefix, r.RemoteAddr))
	s.serveStream(protocol.NewWebSocketStream(conn, s.streamOptions()))
}

// homePageTemplate is the HTML for the server status page (white bg, black/blue text).
const homePageTemplate = `<!DOCTYPE html>
<html lang="es">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>Chat Server</title>
  <style>
    * { box-sizing: border-box; }
    body { background: #fff; color: #000; font-family: system-ui, sans-serif; margin: 0; padding: 2rem; line-height: 1.5; }
    h1, h2 { color: #0066cc; }
    .status-healthy { color: #0066cc; font-weight: bold; }
    .status-unhealthy { color: #cc0000; font-weight: bold; }
    table { border-collapse: collapse; width: 100%; max-width: 600px; margin-top: 0.5rem; }
    th, td { text-align: left; padding: 0.5rem 0.75rem; border: 1px solid #ccc; }
    th { background: #f0f4f8; color: #0066cc; }
    .stat { font-weight: bold; color: #0066cc; }
    .meta { color: #333; font-size: 0.9rem; margin-top: 1rem; }
    section { margin-bottom: 2rem; }
  </style>
</head>
<body>
  <h1>Chat Server</h1>
  <p class="meta">Protocol {{.Stats.ProtocolVersion}}, up {{.Stats.UptimeSeconds}}s.</p>

  <section>
    <h2>Health</h2>
    <p>Status: <span class="status-{{.Health.Status}}">{{.Health.Status}}</span></p>
    <p>Store: {{if .Health.Checks.Store}}<span class="stat">OK</span>{{else}}<span class="status-unhealthy">Failed</span>{{end}}</p>
    <p>Timestamp: {{.Health.Timestamp}}</p>
  </section>

  <section>
    <h2>Statistics</h2>
    <p>Connections: <span class="stat">{{.Stats.Connections}}</span></p>
    <p>Online users: <span class="stat">{{.Stats.OnlineUsers}}</span></p>
    <p>Sessions: <span class="stat">{{.Stats.Sessions}}</span></p>
  </section>

  <section>
    <h2>Online users</h2>
    {{if not .Online}}
    <p>Nobody is connected.</p>
    {{else}}
    <table>
      <thead><tr><th>ID</th><th>Username</th></tr></thead>
      <tbody>
        {{range .Online}}
        <tr><td>{{.UserID}}</td><td>{{.Username}}</td></tr>
        {{end}}
      </tbody>
    </table>
    {{end}}
  </section>
</body>
</html>
`

type homeData struct {
	Health *HealthOutput
	Stats  Stats
	Online []router.OnlineUser
}

// handleHome returns an HTTP handler for the status page.
func (s *Server) handleHome() httprouter.Handle {
	tmpl := template.Must(template.New("home").Parse(homePageTemplate))
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
		defer cancel()

		data := homeData{Health: s.Health(ctx), Stats: s.Stats(), Online: s.router.OnlineUsers()}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := tmpl.Execute(w, data); err != nil {
			slog.Error(fmt.Sprintf("%s - home template execute: %v", httpLogPrefix, err))
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}
}
