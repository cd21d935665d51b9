// Package registry is the persistent registry (§4.3): a JSON-on-disk
// array of declared servers, written atomically (tmp + rename). Per the
// design note in spec.md §9 ("model the registry as an async actor that
// owns the file"), writes are funneled through a single background
// goroutine that serializes save() calls — generalising the teacher's
// internal/jobs.Runner pattern (in-memory map guarded by sync.RWMutex,
// mutations queued and persisted by one worker) from job records to
// server records.
package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"github.com/rushsync/rush/internal/model"
	"github.com/rushsync/rush/internal/rerr"
)

// envelope is the on-disk shape. version 1 adds the wrapper object;
// version 0 is a bare JSON array, read for backward compatibility
// (SPEC_FULL.md §4.1.2).
type envelope struct {
	Version int                `json:"version"`
	Servers []model.ServerInfo `json:"servers"`
}

const currentVersion = 1

// CleanupFilter selects which statuses cleanup() removes.
type CleanupFilter int

const (
	CleanupStopped CleanupFilter = iota
	CleanupFailed
	CleanupAll
)

type saveReq struct {
	snapshot []model.ServerInfo
	done     chan error
}

// Registry owns servers.list and serializes writes through a single
// background goroutine (the "actor").
type Registry struct {
	path string
	log  *zap.Logger
	save chan saveReq
	stop chan struct{}
}

func Open(path string, log *zap.Logger) *Registry {
	r := &Registry{path: path, log: log, save: make(chan saveReq, 16), stop: make(chan struct{})}
	go r.loop()
	return r
}

func (r *Registry) Close() { close(r.stop) }

func (r *Registry) loop() {
	for {
		select {
		case req := <-r.save:
			req.done <- r.writeFile(req.snapshot)
		case <-r.stop:
			return
		}
	}
}

// Load reads the registry file, returning an empty slice if it does not
// exist. It is safe to call concurrently with Save (plain file read).
func (r *Registry) Load() ([]model.ServerInfo, error) {
	b, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, rerr.Wrap(rerr.KindIO, "read registry", err)
	}
	if len(b) == 0 {
		return nil, nil
	}
	// version 0: bare array.
	var arr []model.ServerInfo
	if err := json.Unmarshal(b, &arr); err == nil {
		return arr, nil
	}
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, rerr.Wrap(rerr.KindIO, "parse registry", err)
	}
	return env.Servers, nil
}

// Save sorts by CreatedTS and writes atomically via the actor goroutine,
// blocking until the write completes (§4.3: "writes are always
// load-modify-save at the call-site... awaiting completion before the
// next command touches the registry").
func (r *Registry) Save(servers []model.ServerInfo) error {
	sorted := make([]model.ServerInfo, len(servers))
	copy(sorted, servers)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].CreatedTS < sorted[j].CreatedTS })
	req := saveReq{snapshot: sorted, done: make(chan error, 1)}
	r.save <- req
	return <-req.done
}

func (r *Registry) writeFile(servers []model.ServerInfo) error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return rerr.Wrap(rerr.KindIO, "mkdir registry dir", err)
	}
	env := envelope{Version: currentVersion, Servers: servers}
	b, err := json.MarshalIndent(&env, "", "  ")
	if err != nil {
		return rerr.Wrap(rerr.KindIO, "marshal registry", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return rerr.Wrap(rerr.KindIO, "write registry tmp", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return rerr.Wrap(rerr.KindIO, "rename registry", err)
	}
	if r.log != nil {
		r.log.Debug("registry saved", zap.Int("count", len(servers)))
	}
	return nil
}

// Add appends info to the persisted set.
func (r *Registry) Add(info model.ServerInfo) error {
	cur, err := r.Load()
	if err != nil {
		return err
	}
	cur = append(cur, info)
	return r.Save(cur)
}

// Remove deletes the record with id.
func (r *Registry) Remove(id string) error {
	cur, err := r.Load()
	if err != nil {
		return err
	}
	out := cur[:0]
	for _, s := range cur {
		if s.ID != id {
			out = append(out, s)
		}
	}
	return r.Save(out)
}

// UpdateStatus mutates the status (and LastStarted/StartCount when
// transitioning to Running) of the record with id.
func (r *Registry) UpdateStatus(id string, status model.Status, lastStarted string, bumpStartCount bool) error {
	cur, err := r.Load()
	if err != nil {
		return err
	}
	for i := range cur {
		if cur[i].ID == id {
			cur[i].Status = status
			if lastStarted != "" {
				cur[i].LastStarted = lastStarted
			}
			if bumpStartCount {
				cur[i].StartCount++
			}
		}
	}
	return r.Save(cur)
}

// SetAutoStart mutates the auto_start flag of the record with id.
func (r *Registry) SetAutoStart(id string, autoStart bool) error {
	cur, err := r.Load()
	if err != nil {
		return err
	}
	for i := range cur {
		if cur[i].ID == id {
			cur[i].AutoStart = autoStart
		}
	}
	return r.Save(cur)
}

// Cleanup filters by status and returns the retained set plus the count
// removed.
func (r *Registry) Cleanup(filter CleanupFilter) (int, error) {
	cur, err := r.Load()
	if err != nil {
		return 0, err
	}
	keep := cur[:0]
	removed := 0
	for _, s := range cur {
		drop := false
		switch filter {
		case CleanupStopped:
			drop = s.Status == model.StatusStopped
		case CleanupFailed:
			drop = s.Status == model.StatusFailed
		case CleanupAll:
			drop = true
		}
		if drop {
			removed++
			continue
		}
		keep = append(keep, s)
	}
	if err := r.Save(keep); err != nil {
		return 0, err
	}
	return removed, nil
}
