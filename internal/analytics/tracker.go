// Package analytics is the analytics tracker (§4.12): process-wide daily
// counters and an hourly ring buffer, flushed to .rss/analytics.json
// every 5 minutes and on shutdown. The counter storage follows the
// teacher's internal/metrics package (atomic.Value holding an immutable
// map, swapped copy-on-write under a loop, no lock contention on the hot
// path); generalised here from flat operation counters to per-day,
// per-subdomain, per-path buckets.
package analytics

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rushsync/rush/internal/rerr"
)

// botSubstrings is the hardcoded bot user-agent filter recovered from
// original_source/src/server/analytics.rs (SPEC_FULL.md §4.1.3).
var botSubstrings = []string{"bot", "crawler", "spider", "curl", "wget", "facebookexternalhit", "slurp"}

func isBot(ua string) bool {
	ua = strings.ToLower(ua)
	for _, s := range botSubstrings {
		if strings.Contains(ua, s) {
			return true
		}
	}
	return false
}

var ignoredPrefixes = []string{
	"/api/health", "/api/status", "/api/metrics", "/api/analytics", "/.rss/", "/.well-known/", "/favicon.ico",
}

// ShouldTrack reports whether a proxy/backend request should increment
// analytics counters (§4.12: filters monitoring/internal/asset paths and
// known bot user agents).
func ShouldTrack(path, userAgent string) bool {
	if isBot(userAgent) {
		return false
	}
	for _, p := range ignoredPrefixes {
		if strings.HasPrefix(path, p) {
			return false
		}
	}
	return true
}

var downloadExts = map[string]struct{}{
	".zip": {}, ".tar": {}, ".gz": {}, ".exe": {}, ".dmg": {}, ".pkg": {}, ".msi": {}, ".deb": {}, ".rpm": {},
}

func isDownload(path string) bool {
	_, ok := downloadExts[strings.ToLower(filepath.Ext(path))]
	return ok
}

// dayBucket is one day's counters.
type dayBucket struct {
	TotalViews      int64            `json:"total_views"`
	TotalDownloads  int64            `json:"total_downloads"`
	UniqueIPs       map[string]struct{} `json:"-"`
	UniqueIPCount   int              `json:"unique_ips"`
	PageCounts      map[string]int64 `json:"page_counts"`
	SubdomainViews  map[string]int64 `json:"subdomain_views"`
	SubdomainIPs    map[string]map[string]struct{} `json:"-"`
}

func newDayBucket() *dayBucket {
	return &dayBucket{
		UniqueIPs:      map[string]struct{}{},
		PageCounts:     map[string]int64{},
		SubdomainViews: map[string]int64{},
		SubdomainIPs:   map[string]map[string]struct{}{},
	}
}

// hourSample is one entry in the 48-capacity hourly ring buffer.
type hourSample struct {
	Hour  string `json:"hour"`
	Views int64  `json:"views"`
}

const ringCapacity = 48

// Tracker is the process-wide singleton (§4.12).
type Tracker struct {
	mu      sync.Mutex
	days    map[string]*dayBucket
	ring    []hourSample
	path    string
	stop    chan struct{}
	flushed atomic.Bool
}

func New(path string) *Tracker {
	return &Tracker{days: map[string]*dayBucket{}, path: path, stop: make(chan struct{})}
}

// Record increments counters for one tracked request.
func (t *Tracker) Record(subdomain, path, clientIP, userAgent string) {
	if !ShouldTrack(path, userAgent) {
		return
	}
	now := time.Now().UTC()
	day := now.Format("2006-01-02")
	hour := now.Format("2006-01-02T15")

	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.days[day]
	if !ok {
		b = newDayBucket()
		t.days[day] = b
	}
	b.TotalViews++
	if isDownload(path) {
		b.TotalDownloads++
	}
	if clientIP != "" {
		b.UniqueIPs[clientIP] = struct{}{}
	}
	b.PageCounts[path]++
	if subdomain != "" {
		b.SubdomainViews[subdomain]++
		ips, ok := b.SubdomainIPs[subdomain]
		if !ok {
			ips = map[string]struct{}{}
			b.SubdomainIPs[subdomain] = ips
		}
		if clientIP != "" {
			ips[clientIP] = struct{}{}
		}
	}
	t.bumpRingLocked(hour)
}

func (t *Tracker) bumpRingLocked(hour string) {
	if n := len(t.ring); n > 0 && t.ring[n-1].Hour == hour {
		t.ring[n-1].Views++
		return
	}
	t.ring = append(t.ring, hourSample{Hour: hour, Views: 1})
	if len(t.ring) > ringCapacity {
		t.ring = t.ring[len(t.ring)-ringCapacity:]
	}
}

// snapshot is the JSON-on-disk shape written to analytics.json.
type snapshot struct {
	Days map[string]daySnapshot `json:"days"`
	Ring []hourSample           `json:"hourly"`
}

type daySnapshot struct {
	TotalViews     int64            `json:"total_views"`
	TotalDownloads int64            `json:"total_downloads"`
	UniqueIPs      int              `json:"unique_ips"`
	PageCounts     map[string]int64 `json:"page_counts"`
	SubdomainViews map[string]int64 `json:"subdomain_views"`
}

// Snapshot returns the current state for the /api/analytics* endpoints.
func (t *Tracker) Snapshot() snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := snapshot{Days: map[string]daySnapshot{}, Ring: append([]hourSample(nil), t.ring...)}
	for day, b := range t.days {
		out.Days[day] = daySnapshot{
			TotalViews:     b.TotalViews,
			TotalDownloads: b.TotalDownloads,
			UniqueIPs:      len(b.UniqueIPs),
			PageCounts:     b.PageCounts,
			SubdomainViews: b.SubdomainViews,
		}
	}
	return out
}

// Flush persists the current snapshot to disk.
func (t *Tracker) Flush() error {
	snap := t.Snapshot()
	b, err := json.MarshalIndent(&snap, "", "  ")
	if err != nil {
		return rerr.Wrap(rerr.KindIO, "marshal analytics", err)
	}
	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return rerr.Wrap(rerr.KindIO, "mkdir analytics dir", err)
	}
	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return rerr.Wrap(rerr.KindIO, "write analytics", err)
	}
	return os.Rename(tmp, t.path)
}

// Run flushes every interval until ctx/Stop is signaled, then flushes
// once more on the way out (§4.12: "on shutdown").
func (t *Tracker) Run(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = t.Flush()
		case <-t.stop:
			_ = t.Flush()
			return
		}
	}
}

// Stop signals Run to exit and flush a final time.
func (t *Tracker) Stop() {
	if t.flushed.CompareAndSwap(false, true) {
		close(t.stop)
	}
}
