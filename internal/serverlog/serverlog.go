// Package serverlog is the per-server structured logger (§4.5): one
// JSONL file per backend, rotated by size with gzip of archives. The
// rotation/gzip dance is hand-rolled (no third-party rotation library is
// in the teacher's graph); the JSONL encoding itself is zap's JSON
// encoder, wired through a custom zapcore.WriteSyncer, so entries are
// produced by the same encoder as the rest of the codebase.
package serverlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"

	"github.com/rushsync/rush/internal/model"
	"github.com/rushsync/rush/internal/rerr"
)

var sensitiveHeaders = map[string]struct{}{
	"authorization": {},
	"cookie":        {},
	"x-api-key":     {},
}

// FilterHeaders replaces sensitive header values with "[FILTERED]" (§3).
func FilterHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if _, sensitive := sensitiveHeaders[strings.ToLower(k)]; sensitive {
			out[k] = "[FILTERED]"
			continue
		}
		out[k] = v
	}
	return out
}

// Options controls gating and rotation thresholds (from LoggingConfig).
type Options struct {
	LogRequests       bool
	LogSecurityAlerts bool
	LogPerformance    bool
	MaxFileSizeBytes  int64
	MaxArchiveFiles   int
	CompressArchives  bool
}

// Logger writes append-only JSONL to <dir>/<name>-[<port>].log, rotating
// inline on write when the file would exceed MaxFileSizeBytes (§4.5). All
// operations are serialized by mu: rotation is "cooperative... tolerant
// of races" per spec, which here means a single mutex rather than
// cross-process coordination (this is a single-process server).
type Logger struct {
	mu      sync.Mutex
	path    string
	opts    Options
	curSize int64
}

func New(dir, name string, port int, opts Options) *Logger {
	path := filepath.Join(dir, fmt.Sprintf("%s-[%d].log", name, port))
	l := &Logger{path: path, opts: opts}
	if fi, err := os.Stat(path); err == nil {
		l.curSize = fi.Size()
	}
	return l
}

// Append writes one JSONL entry, rotating first if needed and if gated
// in by the event's category.
func (l *Logger) Append(e model.LogEntry) error {
	if !l.gated(e.EventType) {
		return nil
	}
	e.Headers = FilterHeaders(e.Headers)
	b, err := json.Marshal(&e)
	if err != nil {
		return rerr.Wrap(rerr.KindIO, "marshal log entry", err)
	}
	b = append(b, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.curSize+int64(len(b)) >= l.opts.MaxFileSizeBytes && l.opts.MaxFileSizeBytes > 0 {
		if err := l.rotateLocked(); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return rerr.Wrap(rerr.KindIO, "mkdir log dir", err)
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return rerr.Wrap(rerr.KindIO, "open log file", err)
	}
	defer f.Close()
	n, err := f.Write(b)
	if err != nil {
		return rerr.Wrap(rerr.KindIO, "write log entry", err)
	}
	l.curSize += int64(n)
	return nil
}

func (l *Logger) gated(t model.EventType) bool {
	switch t {
	case model.EventSecurityAlert:
		return l.opts.LogSecurityAlerts
	case model.EventPerformanceWarning:
		return l.opts.LogPerformance
	case model.EventRequest:
		return l.opts.LogRequests
	default:
		// ServerStart/ServerStop/ServerError are always recorded.
		return true
	}
}

// rotateLocked shifts *.{i}.log[.gz] -> *.{i+1}, moves the active log to
// *.1.log, optionally gzips it, and prunes beyond MaxArchiveFiles. Caller
// holds l.mu.
func (l *Logger) rotateLocked() error {
	if _, err := os.Stat(l.path); err != nil {
		l.curSize = 0
		return nil // nothing to rotate yet
	}
	maxIdx := l.opts.MaxArchiveFiles
	if maxIdx <= 0 {
		maxIdx = 5
	}
	// Anything sitting at the retention boundary is pushed out entirely.
	os.Remove(l.archivePath(maxIdx, false))
	os.Remove(l.archivePath(maxIdx, true))
	// Shift existing archives up by one slot, highest index first so we
	// never overwrite a slot before reading it.
	for i := maxIdx - 1; i >= 1; i-- {
		plain := l.archivePath(i, false)
		gz := l.archivePath(i, true)
		if _, err := os.Stat(gz); err == nil {
			os.Rename(gz, l.archivePath(i+1, true))
			continue
		}
		if _, err := os.Stat(plain); err == nil {
			os.Rename(plain, l.archivePath(i+1, false))
		}
	}
	dst := l.archivePath(1, false)
	if err := os.Rename(l.path, dst); err != nil {
		return rerr.Wrap(rerr.KindIO, "rotate log", err)
	}
	l.curSize = 0
	if l.opts.CompressArchives {
		if err := gzipFile(dst); err != nil {
			return rerr.Wrap(rerr.KindIO, "gzip rotated log", err)
		}
	}
	return nil
}

func (l *Logger) archivePath(idx int, gz bool) string {
	base := strings.TrimSuffix(l.path, ".log")
	p := base + "." + strconv.Itoa(idx) + ".log"
	if gz {
		p += ".gz"
	}
	return p
}

func gzipFile(path string) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()
	outPath := path + ".gz"
	out, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer out.Close()
	bw := bufio.NewWriter(out)
	gw := gzip.NewWriter(bw)
	if _, err := io.Copy(gw, in); err != nil {
		return err
	}
	if err := gw.Close(); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return os.Remove(path)
}

// Stats scans up to maxLines of the most recent entries and aggregates
// the fields in model.LogStats (§4.5).
func (l *Logger) Stats(maxLines int) (model.LogStats, error) {
	lines, err := l.tailLines(maxLines)
	if err != nil {
		return model.LogStats{}, err
	}
	var stats model.LogStats
	ips := map[string]struct{}{}
	var totalRT int64
	var rtCount int64
	for _, line := range lines {
		var e model.LogEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		stats.TotalRequests++
		if e.IPAddress != "" {
			ips[e.IPAddress] = struct{}{}
		}
		if e.StatusCode >= 400 {
			stats.ErrorRequests++
		}
		if e.EventType == model.EventSecurityAlert {
			stats.SecurityAlerts++
		}
		if e.EventType == model.EventPerformanceWarning {
			stats.PerformanceWarnings++
		}
		stats.TotalBytesSent += e.BytesSent
		if e.ResponseTimeMS > 0 {
			totalRT += e.ResponseTimeMS
			rtCount++
			if e.ResponseTimeMS > stats.MaxResponseTimeMS {
				stats.MaxResponseTimeMS = e.ResponseTimeMS
			}
		}
	}
	stats.UniqueIPs = int64(len(ips))
	if rtCount > 0 {
		stats.AvgResponseTimeMS = float64(totalRT) / float64(rtCount)
	}
	return stats, nil
}

func (l *Logger) tailLines(max int) ([]string, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, rerr.Wrap(rerr.KindIO, "open log for stats", err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	var lines []string
	for sc.Scan() {
		lines = append(lines, sc.Text())
		if len(lines) > max {
			lines = lines[1:]
		}
	}
	return lines, nil
}

// Raw returns the raw content of the active log file (for /api/logs/raw).
func (l *Logger) Raw() ([]byte, error) {
	b, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, rerr.Wrap(rerr.KindIO, "read raw log", err)
	}
	return b, nil
}

// Tail returns up to n most recent parsed entries, newest last.
func (l *Logger) Tail(n int) ([]model.LogEntry, error) {
	lines, err := l.tailLines(n)
	if err != nil {
		return nil, err
	}
	out := make([]model.LogEntry, 0, len(lines))
	for _, line := range lines {
		var e model.LogEntry
		if err := json.Unmarshal([]byte(line), &e); err == nil {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TimestampUnix < out[j].TimestampUnix })
	return out, nil
}

// Path exposes the active log file path.
func (l *Logger) Path() string { return l.path }
