// Package servers holds ServerContext (§4.4): the authoritative runtime
// state of declared servers and their live handles, behind a
// reader-preferring lock. The shape (map guarded by sync.RWMutex, copy-
// out reads) follows the teacher's internal/store.Store; the
// panic-to-validation-error conversion follows internal/jobs.Runner's
// recover-in-defer pattern, generalised into a pair of With* helpers so
// every caller gets the same "poisoned lock never panics" guarantee
// (spec.md §9).
package servers

import (
	"context"
	"fmt"
	"sync"

	"github.com/rushsync/rush/internal/model"
	"github.com/rushsync/rush/internal/rerr"
)

// Handle is the runtime control object for a live listener (§3 Handle).
// Stop cancels the listener's context and waits (bounded by the caller)
// for its accept loop to exit.
type Handle struct {
	ID         string
	Cancel     context.CancelFunc
	Done       chan struct{}
	HTTPAddr   string
	HTTPSAddr  string
}

// Context is the in-memory mutable state described by §3/§4.4.
type Context struct {
	mu      sync.RWMutex
	servers map[string]model.ServerInfo
	handles map[string]*Handle
}

func New() *Context {
	return &Context{
		servers: map[string]model.ServerInfo{},
		handles: map[string]*Handle{},
	}
}

// withRLock runs fn under the read lock and converts any panic into a
// LockPoisoned validation error rather than propagating it (§7, §9).
func (c *Context) withRLock(fn func()) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = rerr.LockPoisoned(fmt.Sprintf("ServerContext: %v", v))
		}
	}()
	c.mu.RLock()
	defer c.mu.RUnlock()
	fn()
	return nil
}

func (c *Context) withLock(fn func()) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = rerr.LockPoisoned(fmt.Sprintf("ServerContext: %v", v))
		}
	}()
	c.mu.Lock()
	defer c.mu.Unlock()
	fn()
	return nil
}

// Put inserts or replaces a server record.
func (c *Context) Put(info model.ServerInfo) error {
	return c.withLock(func() { c.servers[info.ID] = info })
}

// Get returns a copy of the record for id.
func (c *Context) Get(id string) (model.ServerInfo, bool, error) {
	var out model.ServerInfo
	var ok bool
	err := c.withRLock(func() {
		out, ok = c.servers[id]
	})
	return out, ok, err
}

// FindByNameOrPort locates a server by name, exact id, or port.
func (c *Context) Find(sel string) (model.ServerInfo, bool, error) {
	var out model.ServerInfo
	var ok bool
	err := c.withRLock(func() {
		for _, s := range c.servers {
			if s.ID == sel || s.Name == sel {
				out, ok = s, true
				return
			}
		}
	})
	return out, ok, err
}

// List returns a snapshot of all records.
func (c *Context) List() ([]model.ServerInfo, error) {
	var out []model.ServerInfo
	err := c.withRLock(func() {
		out = make([]model.ServerInfo, 0, len(c.servers))
		for _, s := range c.servers {
			out = append(out, s)
		}
	})
	return out, err
}

// Remove deletes the record and any handle for id.
func (c *Context) Remove(id string) error {
	return c.withLock(func() {
		delete(c.servers, id)
		delete(c.handles, id)
	})
}

// SetStatus mutates only the Status field for id, if present.
func (c *Context) SetStatus(id string, status model.Status) error {
	return c.withLock(func() {
		if s, ok := c.servers[id]; ok {
			s.Status = status
			c.servers[id] = s
		}
	})
}

// PutHandle registers a runtime handle, only valid after a successful
// listener bind (§4.4).
func (c *Context) PutHandle(id string, h *Handle) error {
	return c.withLock(func() { c.handles[id] = h })
}

// Handle returns the live handle for id, if any.
func (c *Context) Handle(id string) (*Handle, bool, error) {
	var h *Handle
	var ok bool
	err := c.withRLock(func() { h, ok = c.handles[id] })
	return h, ok, err
}

// RemoveHandle deletes the handle for id (stop completes).
func (c *Context) RemoveHandle(id string) error {
	return c.withLock(func() { delete(c.handles, id) })
}

// ClaimedPorts returns the set of ports currently in use by live
// servers, for the port allocator (§4.1).
func (c *Context) ClaimedPorts() (map[int]struct{}, error) {
	out := map[int]struct{}{}
	err := c.withRLock(func() {
		for _, s := range c.servers {
			out[s.Port] = struct{}{}
		}
	})
	return out, err
}

// NameOrPortInUse reports whether name or port collides with a live
// server other than excludeID.
func (c *Context) NameOrPortInUse(name string, port int, excludeID string) (bool, error) {
	var conflict bool
	err := c.withRLock(func() {
		for _, s := range c.servers {
			if s.ID == excludeID {
				continue
			}
			if s.Name == name || s.Port == port {
				conflict = true
				return
			}
		}
	})
	return conflict, err
}

// Count returns the number of live (persisted-in-memory) servers, for
// the max_concurrent check (§4.10).
func (c *Context) Count() (int, error) {
	var n int
	err := c.withRLock(func() { n = len(c.servers) })
	return n, err
}
