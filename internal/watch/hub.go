// Package watch is the file watcher + WebSocket hub (§4.6). Each running
// backend gets a recursive fsnotify watch over its document root; events
// that pass the extension/hidden-file filter are pushed onto a bounded
// broadcast channel that fans out to WebSocket subscribers, optionally
// filtered by a "server=<name>:<port>" query parameter. The hub's
// WebSocket transport follows the teacher's internal/ws/echo.go (context-
// deadlined Read/Write over nhooyr.io/websocket), generalised from an
// echo handler into a broadcast subscriber loop with a 30s ping.
package watch

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/rushsync/rush/internal/model"
)

var allowedExt = map[string]struct{}{
	"html": {}, "css": {}, "js": {}, "json": {}, "txt": {}, "md": {},
	"svg": {}, "png": {}, "jpg": {}, "jpeg": {}, "gif": {}, "ico": {},
}

func extOf(path string) string {
	e := filepath.Ext(path)
	return strings.TrimPrefix(strings.ToLower(e), ".")
}

// shouldEmit applies the hidden/temp/backup and extension filter of §3.
func shouldEmit(path string) (ext string, ok bool) {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~") ||
		strings.HasSuffix(base, ".tmp") || strings.HasSuffix(base, ".swp") {
		return "", false
	}
	ext = extOf(path)
	if _, allowed := allowedExt[ext]; !allowed {
		return "", false
	}
	return ext, true
}

const broadcastCapacity = 256

// watcher tracks one server's fsnotify.Watcher and its lifecycle.
type watcher struct {
	fsw    *fsnotify.Watcher
	cancel context.CancelFunc
}

// Hub is the shared broadcast hub (§4.6, §9).
type Hub struct {
	log *zap.Logger

	mu       sync.Mutex
	watchers map[string]*watcher // "<name>:<port>" -> watcher

	subMu sync.Mutex
	subs  map[chan model.FileChangeEvent]string // chan -> filter ("" = all)
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		log:      log,
		watchers: map[string]*watcher{},
		subs:     map[chan model.FileChangeEvent]string{},
	}
}

func key(name string, port int) string { return name + ":" + itoa(port) }

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [12]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// Watch begins recursively watching root for server (name,port). It is
// idempotent: calling it again for the same key replaces the prior watch.
func (h *Hub) Watch(name string, port int, root string) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := addRecursive(fsw, root); err != nil {
		fsw.Close()
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &watcher{fsw: fsw, cancel: cancel}

	h.mu.Lock()
	if old, ok := h.watchers[key(name, port)]; ok {
		old.cancel()
		old.fsw.Close()
	}
	h.watchers[key(name, port)] = w
	h.mu.Unlock()

	go h.run(ctx, fsw, name, port, root)
	return nil
}

// Unwatch stops watching server (name,port).
func (h *Hub) Unwatch(name string, port int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if w, ok := h.watchers[key(name, port)]; ok {
		w.cancel()
		w.fsw.Close()
		delete(h.watchers, key(name, port))
	}
}

func addRecursive(fsw *fsnotify.Watcher, root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // best-effort: skip unreadable entries
		}
		if info.IsDir() {
			_ = fsw.Add(path)
		}
		return nil
	})
}

func (h *Hub) run(ctx context.Context, fsw *fsnotify.Watcher, name string, port int, root string) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			h.handleFSEvent(ev, name, port, root, fsw)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			if h.log != nil {
				h.log.Warn("fsnotify error", zap.String("server", name), zap.Error(err))
			}
		}
	}
}

func (h *Hub) handleFSEvent(ev fsnotify.Event, name string, port int, root string, fsw *fsnotify.Watcher) {
	ext, ok := shouldEmit(ev.Name)
	if !ok {
		return
	}
	var kind model.FileChangeKind
	switch {
	case ev.Op&fsnotify.Create != 0:
		kind = model.FileCreated
		_ = fsw.Add(ev.Name) // in case a new directory was created
	case ev.Op&fsnotify.Remove != 0:
		kind = model.FileDeleted
	case ev.Op&(fsnotify.Write|fsnotify.Rename) != 0:
		kind = model.FileModified
	default:
		return
	}
	rel, err := filepath.Rel(root, ev.Name)
	if err != nil {
		rel = ev.Name
	}
	h.Broadcast(model.FileChangeEvent{
		EventType:     kind,
		FilePath:      rel,
		ServerName:    name,
		Port:          port,
		Timestamp:     time.Now().Format(time.RFC3339),
		FileExtension: ext,
	})
}

// Broadcast pushes an event to every subscriber channel whose filter
// matches, dropping the event for a subscriber whose channel is full
// (bounded capacity; "drop oldest on lag" is realised as drop-newest at
// the per-subscriber channel, logged once per occurrence).
func (h *Hub) Broadcast(ev model.FileChangeEvent) {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	evKey := key(ev.ServerName, ev.Port)
	for ch, filter := range h.subs {
		if filter != "" && filter != evKey {
			continue
		}
		select {
		case ch <- ev:
		default:
			if h.log != nil {
				h.log.Warn("hot-reload subscriber lagging, dropping event", zap.String("server", evKey))
			}
		}
	}
}

// Subscribe registers a new subscriber channel with an optional
// "name:port" filter; the returned func unsubscribes and closes nothing
// (caller owns the channel).
func (h *Hub) Subscribe(filter string) (chan model.FileChangeEvent, func()) {
	ch := make(chan model.FileChangeEvent, broadcastCapacity)
	h.subMu.Lock()
	h.subs[ch] = filter
	h.subMu.Unlock()
	return ch, func() {
		h.subMu.Lock()
		delete(h.subs, ch)
		h.subMu.Unlock()
	}
}

// ServeWS upgrades r to a WebSocket and streams FileChangeEvents filtered
// by the "server" query parameter, pinging every 30s (§4.6, §6).
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{})
	if err != nil {
		return
	}
	defer c.Close(websocket.StatusNormalClosure, "bye")

	filter := r.URL.Query().Get("server")
	ch, unsub := h.Subscribe(filter)
	defer unsub()

	ctx := r.Context()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := c.Ping(pctx)
			cancel()
			if err != nil {
				return
			}
		case ev := <-ch:
			b, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = c.Write(wctx, websocket.MessageText, b)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
