package backend

import (
	"encoding/json"
	"net/http"
	"os"
	"time"
)

// routes builds the route table of §4.7, evaluated top to bottom with the
// static fallback always last.
func (b *Backend) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/.rss/_reset.css", b.handleAsset("templates/_reset.css", "text/css; charset=utf-8", false))
	mux.HandleFunc("/.rss/favicon.svg", b.handleAsset("templates/favicon.svg", "image/svg+xml", false))
	mux.HandleFunc("/rss.js", b.handleAsset("templates/rss.js", "application/javascript; charset=utf-8", true))
	mux.HandleFunc("/.rss/js/rush-app-api.js", b.handleAsset("templates/js/rush-app-api.js", "application/javascript; charset=utf-8", true))
	mux.HandleFunc("/.rss/js/rush-app-ui.js", b.handleAsset("templates/js/rush-app-ui.js", "application/javascript; charset=utf-8", true))

	mux.HandleFunc("/api/status", b.handleStatus)
	mux.HandleFunc("/api/info", b.handleInfo)
	mux.HandleFunc("/api/metrics", b.handleMetrics)
	mux.HandleFunc("/api/stats", b.handleStats)
	mux.HandleFunc("/api/health", b.handleHealth)
	mux.HandleFunc("/api/ping", b.handlePing)
	mux.HandleFunc("/api/message", b.handleMessagePost)
	mux.HandleFunc("/api/messages", b.handleMessagesGet)
	mux.HandleFunc("/api/logs", b.handleLogs)
	mux.HandleFunc("/api/logs/raw", b.handleLogsRaw)
	mux.HandleFunc("/api/close-browser", b.handleCloseBrowser)
	mux.HandleFunc("/api/analytics", b.handleAnalyticsStub)
	mux.HandleFunc("/api/analytics/dashboard", b.handleAnalyticsStub)
	mux.HandleFunc("/api/acme/status", b.handleACMEStatus)

	mux.HandleFunc("/.well-known/acme-challenge/", b.handleACMEChallenge)
	mux.HandleFunc("/ws/hot-reload", b.hub.ServeWS)

	mux.HandleFunc("/", b.serveStatic)
	return mux
}

func (b *Backend) handleAsset(path, contentType string, templated bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := readAsset(path)
		if templated {
			raw = renderJS(raw, b.templateVars())
		}
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Cache-Control", "no-cache")
		w.Write([]byte(raw))
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (b *Backend) uptimeSeconds() int64 {
	if b.startedAt.IsZero() {
		return 0
	}
	return int64(time.Since(b.startedAt).Seconds())
}

func (b *Backend) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status":              "running",
		"server_id":           b.info.ID,
		"server_name":         b.info.Name,
		"port":                b.info.Port,
		"proxy_port":          b.cfg.Proxy.Port + b.cfg.Proxy.HTTPSPortOffset,
		"server":              "rush-sync-server",
		"version":             version,
		"uptime_seconds":      b.uptimeSeconds(),
		"static_files":        true,
		"template_system":     true,
		"hot_reload":          true,
		"websocket_endpoint":  "/ws/hot-reload",
		"server_directory":    b.docRoot,
		"log_file":            b.slog.Path(),
	})
}

func (b *Backend) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"name":                "Rush Sync Server",
		"version":             version,
		"server_id":           b.info.ID,
		"server_name":         b.info.Name,
		"port":                b.info.Port,
		"proxy_port":          b.cfg.Proxy.Port + b.cfg.Proxy.HTTPSPortOffset,
		"static_files_enabled": true,
		"template_system":     "enabled",
		"hot_reload_enabled":  true,
		"websocket_url":       wsURL(b.info.Port),
		"server_directory":    b.docRoot,
		"endpoints": []map[string]string{
			{"path": "/", "method": "GET", "description": "Static files from server directory", "type": "static"},
			{"path": "/api/status", "method": "GET", "description": "Server status", "type": "api"},
			{"path": "/api/info", "method": "GET", "description": "API information", "type": "api"},
			{"path": "/api/metrics", "method": "GET", "description": "Server metrics", "type": "api"},
			{"path": "/api/stats", "method": "GET", "description": "Request statistics", "type": "api"},
			{"path": "/api/logs", "method": "GET", "description": "Live server logs", "type": "api"},
			{"path": "/api/logs/raw", "method": "GET", "description": "Raw log data (JSON)", "type": "api"},
			{"path": "/api/health", "method": "GET", "description": "Health check", "type": "api"},
			{"path": "/ws/hot-reload", "method": "GET", "description": "WebSocket hot reload", "type": "websocket"},
		},
	})
}

func wsURL(port int) string { return "ws://127.0.0.1:" + itoa(port) + "/ws/hot-reload" }

func (b *Backend) handleMetrics(w http.ResponseWriter, r *http.Request) {
	var logSize int64
	if fi, err := os.Stat(b.slog.Path()); err == nil {
		logSize = fi.Size()
	}
	fileCount := 0
	if entries, err := os.ReadDir(b.docRoot); err == nil {
		fileCount = len(entries)
	}
	writeJSON(w, map[string]any{
		"server_id":      b.info.ID,
		"server_name":    b.info.Name,
		"port":           b.info.Port,
		"uptime_seconds": b.uptimeSeconds(),
		"status":         "running",
		"hot_reload": map[string]any{
			"enabled":            true,
			"websocket_url":      wsURL(b.info.Port),
			"watching_directory": b.docRoot,
			"file_watcher":       "active",
		},
		"static_files": map[string]any{
			"directory":      b.docRoot,
			"file_count":     fileCount,
			"enabled":        true,
			"template_based": true,
		},
		"logging": map[string]any{
			"file_size_bytes": logSize,
			"enabled":         true,
		},
		"last_updated": time.Now().Unix(),
	})
}

func (b *Backend) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := b.slog.Stats(5000)
	if err != nil {
		http.Error(w, "failed to read stats", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{
		"server_id":             b.info.ID,
		"server_name":           b.info.Name,
		"server_directory":      b.docRoot,
		"total_requests":        stats.TotalRequests,
		"unique_ips":            stats.UniqueIPs,
		"error_requests":        stats.ErrorRequests,
		"security_alerts":       stats.SecurityAlerts,
		"performance_warnings":  stats.PerformanceWarnings,
		"avg_response_time_ms":  stats.AvgResponseTimeMS,
		"max_response_time_ms":  stats.MaxResponseTimeMS,
		"total_bytes_sent":      stats.TotalBytesSent,
		"uptime_seconds":        b.uptimeSeconds(),
		"hot_reload_status":     "active",
	})
}

func (b *Backend) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status":          "healthy",
		"timestamp":       time.Now().Unix(),
		"logging":         "active",
		"static_files":    "enabled",
		"template_system": "active",
		"hot_reload":      "active",
		"file_watcher":    "monitoring",
		"config":          "loaded from TOML",
	})
}

func (b *Backend) handlePing(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, map[string]any{
		"status":    "pong",
		"timestamp": time.Now().Unix(),
		"server":    "rush-sync-server",
		"message":   "Ping received successfully",
	})
}

func (b *Backend) handleMessagePost(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Message   string `json:"message"`
		From      string `json:"from"`
		Timestamp string `json:"timestamp"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Message == "" {
		body.Message = "No message"
	}
	if body.From == "" {
		body.From = "Unknown"
	}
	if body.Timestamp == "" {
		body.Timestamp = time.Now().Format(time.RFC3339)
	}
	id := b.messages.push(body.Message, body.From, body.Timestamp)
	writeJSON(w, map[string]any{
		"status":     "received",
		"timestamp":  time.Now().Unix(),
		"message_id": id,
	})
}

func (b *Backend) handleMessagesGet(w http.ResponseWriter, r *http.Request) {
	items := b.messages.all()
	writeJSON(w, map[string]any{
		"messages": items,
		"count":    len(items),
		"status":   "success",
	})
}

func (b *Backend) handleLogs(w http.ResponseWriter, r *http.Request) {
	entries, err := b.slog.Tail(200)
	if err != nil {
		http.Error(w, "failed to read logs", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"entries": entries, "count": len(entries)})
}

func (b *Backend) handleLogsRaw(w http.ResponseWriter, r *http.Request) {
	raw, err := b.slog.Raw()
	if err != nil {
		http.Error(w, "failed to read logs", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Write(raw)
}

func (b *Backend) handleCloseBrowser(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"status": "ok"})
}

// handleAnalyticsStub answers §4.7's analytics endpoints from the
// per-backend perspective: analytics is a proxy-side concern (§4.12), so
// the backend simply reports that it is tracked upstream.
func (b *Backend) handleAnalyticsStub(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"tracked_by": "proxy",
		"subdomain":  b.info.Name,
	})
}

func (b *Backend) handleACMEStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"enabled": b.cfg.Proxy.UseLetsEncrypt,
		"domain":  b.cfg.Server.ProductionDomain,
	})
}

func (b *Backend) handleACMEChallenge(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Path[len("/.well-known/acme-challenge/"):]
	keyAuth, ok := b.challenges.Get(token)
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte(keyAuth))
}
