// Package model holds the data types shared across the rush core: the
// declared-server record, its persisted superset, log and file-change
// events, and the small enums that describe their lifecycles.
package model

import "time"

// Status is the lifecycle state of a declared server.
type Status string

const (
	StatusStopped Status = "Stopped"
	StatusRunning Status = "Running"
	StatusFailed  Status = "Failed"
)

// ServerInfo is the declared server: stable identity plus the fields the
// command plane and proxy need to address it. It is the in-memory record
// held by ServerContext and the persisted record held by the registry.
type ServerInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Port      int    `json:"port"`
	Status    Status `json:"status"`
	CreatedAt string `json:"created_at"`
	CreatedTS int64  `json:"created_timestamp"`

	AutoStart   bool   `json:"auto_start"`
	LastStarted string `json:"last_started,omitempty"`
	StartCount  uint32 `json:"start_count"`
}

// DirName is the on-disk document-root / log-name fragment for this
// server: "<name>-[<port>]".
func (s ServerInfo) DirName() string {
	return s.Name + "-[" + itoa(s.Port) + "]"
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [12]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Clone returns a value copy, safe to hand to a caller outside a lock.
func (s ServerInfo) Clone() ServerInfo { return s }

// EventType enumerates the LogEntry.EventType values.
type EventType string

const (
	EventRequest            EventType = "Request"
	EventServerStart         EventType = "ServerStart"
	EventServerStop          EventType = "ServerStop"
	EventServerError         EventType = "ServerError"
	EventSecurityAlert       EventType = "SecurityAlert"
	EventPerformanceWarning  EventType = "PerformanceWarning"
)

// LogEntry is one JSONL record written by the per-server structured logger.
type LogEntry struct {
	Timestamp     string            `json:"timestamp"`
	TimestampUnix int64             `json:"timestamp_unix"`
	EventType     EventType         `json:"event_type"`
	IPAddress     string            `json:"ip_address"`
	UserAgent     string            `json:"user_agent,omitempty"`
	Method        string            `json:"method"`
	Path          string            `json:"path"`
	StatusCode    int               `json:"status_code,omitempty"`
	ResponseTimeMS int64            `json:"response_time_ms,omitempty"`
	BytesSent     int64             `json:"bytes_sent,omitempty"`
	Referer       string            `json:"referer,omitempty"`
	QueryString   string            `json:"query_string,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	SessionID     string            `json:"session_id,omitempty"`
}

// NewLogEntry stamps the current time into both timestamp fields.
func NewLogEntry(now time.Time) LogEntry {
	return LogEntry{
		Timestamp:     now.Format("2006-01-02 15:04:05"),
		TimestampUnix: now.Unix(),
	}
}

// FileChangeKind enumerates FileChangeEvent.EventType.
type FileChangeKind string

const (
	FileCreated  FileChangeKind = "created"
	FileModified FileChangeKind = "modified"
	FileDeleted  FileChangeKind = "deleted"
)

// FileChangeEvent is broadcast to hot-reload WebSocket subscribers.
type FileChangeEvent struct {
	EventType     FileChangeKind `json:"event_type"`
	FilePath      string         `json:"file_path"`
	ServerName    string         `json:"server_name"`
	Port          int            `json:"port"`
	Timestamp     string         `json:"timestamp"`
	FileExtension string         `json:"file_extension,omitempty"`
}

// LogStats is the aggregate returned by the log stats query (§4.5).
type LogStats struct {
	TotalRequests      int64   `json:"total_requests"`
	UniqueIPs          int64   `json:"unique_ips"`
	ErrorRequests      int64   `json:"error_requests"`
	SecurityAlerts     int64   `json:"security_alerts"`
	PerformanceWarnings int64  `json:"performance_warnings"`
	TotalBytesSent     int64   `json:"total_bytes_sent"`
	AvgResponseTimeMS  float64 `json:"avg_response_time_ms"`
	MaxResponseTimeMS  int64   `json:"max_response_time_ms"`
}
