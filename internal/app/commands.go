package app

import (
	"context"
	"embed"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rushsync/rush/internal/backend"
	"github.com/rushsync/rush/internal/model"
	"github.com/rushsync/rush/internal/portalloc"
	"github.com/rushsync/rush/internal/registry"
	"github.com/rushsync/rush/internal/rerr"
	"github.com/rushsync/rush/internal/servers"
)

//go:embed templates/README.md templates/robots.txt
var scaffoldFS embed.FS

var nameRE = regexp.MustCompile(`^[A-Za-z0-9_-]{1,50}$`)

// CreateServer validates name and port (§3, §4.10), allocates a port
// when port is 0, persists the record, and scaffolds the document root
// with README.md and robots.txt.
func (a *App) CreateServer(name string, port int) (model.ServerInfo, error) {
	if !nameRE.MatchString(name) {
		return model.ServerInfo{}, rerr.Validation("invalid server name %q: must match [A-Za-z0-9_-]{1,50}", name)
	}

	count, err := a.ctx.Count()
	if err != nil {
		return model.ServerInfo{}, err
	}
	if count >= a.cfg.Server.MaxConcurrent {
		return model.ServerInfo{}, rerr.Validation("limit reached: max_concurrent=%d servers already declared", a.cfg.Server.MaxConcurrent)
	}

	claimed, err := a.ctx.ClaimedPorts()
	if err != nil {
		return model.ServerInfo{}, err
	}

	if port == 0 {
		port, err = portalloc.Allocate(a.cfg.Server.PortRangeStart, a.cfg.Server.PortRangeEnd, claimed)
		if err != nil {
			return model.ServerInfo{}, err
		}
	} else {
		if port < a.cfg.Server.PortRangeStart || port > a.cfg.Server.PortRangeEnd {
			return model.ServerInfo{}, rerr.Validation("port %d outside configured range [%d,%d]", port, a.cfg.Server.PortRangeStart, a.cfg.Server.PortRangeEnd)
		}
		if _, taken := claimed[port]; taken || !portFree(port) {
			return model.ServerInfo{}, rerr.Validation("port %d already in use", port)
		}
	}

	inUse, err := a.ctx.NameOrPortInUse(name, port, "")
	if err != nil {
		return model.ServerInfo{}, err
	}
	if inUse {
		return model.ServerInfo{}, rerr.Validation("name %q or port %d already in use", name, port)
	}

	now := time.Now()
	info := model.ServerInfo{
		ID:        uuid.NewString(),
		Name:      name,
		Port:      port,
		Status:    model.StatusStopped,
		CreatedAt: now.Format("2006-01-02 15:04:05"),
		CreatedTS: now.Unix(),
	}

	if err := a.ctx.Put(info); err != nil {
		return model.ServerInfo{}, err
	}
	if err := a.registry.Add(info); err != nil {
		return model.ServerInfo{}, err
	}
	if err := a.scaffoldDocRoot(info); err != nil {
		if a.log != nil {
			a.log.Warn("scaffold failed", zap.String("server", name), zap.Error(err))
		}
	}
	return info, nil
}

func (a *App) scaffoldDocRoot(info model.ServerInfo) error {
	dir := filepath.Join(a.baseDir, "www", info.DirName())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	readmeRaw, err := scaffoldFS.ReadFile("templates/README.md")
	if err != nil {
		return err
	}
	robotsRaw, err := scaffoldFS.ReadFile("templates/robots.txt")
	if err != nil {
		return err
	}
	portStr := strconv.Itoa(info.Port)
	readme := strings.NewReplacer("{{SERVER_NAME}}", info.Name, "{{PORT}}", portStr).Replace(string(readmeRaw))
	robots := strings.NewReplacer("{{PORT}}", portStr).Replace(string(robotsRaw))
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte(readme), 0o644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "robots.txt"), []byte(robots), 0o644)
}

func portFree(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	l.Close()
	return true
}

// resolveOne locates a declared server by id, name, or 1-based index into
// the created_timestamp-sorted list (§4.10: "<id|name|index>").
func (a *App) resolveOne(sel string) (model.ServerInfo, error) {
	if info, ok, err := a.ctx.Find(sel); err != nil {
		return model.ServerInfo{}, err
	} else if ok {
		return info, nil
	}
	if n, err := strconv.Atoi(sel); err == nil {
		list, err := a.sortedList()
		if err != nil {
			return model.ServerInfo{}, err
		}
		if n >= 1 && n <= len(list) {
			return list[n-1], nil
		}
	}
	return model.ServerInfo{}, rerr.Validation("no server matches %q", sel)
}

func (a *App) sortedList() ([]model.ServerInfo, error) {
	list, err := a.ctx.List()
	if err != nil {
		return nil, err
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedTS < list[j].CreatedTS })
	return list, nil
}

// ListServers returns every declared server sorted by created_timestamp
// (§4.10 "list").
func (a *App) ListServers() ([]model.ServerInfo, error) {
	return a.sortedList()
}

// BulkResult is one item's outcome from StartBulk (§4.10: "per-item
// summary").
type BulkResult struct {
	Info model.ServerInfo
	Err  error
}

const maxBulkSpan = 500

var rangeRE = regexp.MustCompile(`^(\d+)-(\d+)$`)

// StartBulk resolves the bulk selector grammar of §6 ("all" | "N-M" |
// single identifier) and starts each matching server, stopping early
// only when a "limit reached" failure occurs; other per-item failures
// are recorded and iteration continues.
func (a *App) StartBulk(selector string) ([]BulkResult, error) {
	var items []model.ServerInfo

	switch {
	case selector == "all":
		list, err := a.sortedList()
		if err != nil {
			return nil, err
		}
		items = list

	case rangeRE.MatchString(selector):
		m := rangeRE.FindStringSubmatch(selector)
		n, _ := strconv.Atoi(m[1])
		mEnd, _ := strconv.Atoi(m[2])
		if n < 1 || mEnd < n {
			return nil, rerr.Validation("invalid range %q", selector)
		}
		if mEnd-n > maxBulkSpan {
			return nil, rerr.Validation("range %q spans more than %d servers", selector, maxBulkSpan)
		}
		list, err := a.sortedList()
		if err != nil {
			return nil, err
		}
		for i := n; i <= mEnd && i <= len(list); i++ {
			items = append(items, list[i-1])
		}

	default:
		info, err := a.resolveOne(selector)
		if err != nil {
			return nil, err
		}
		items = []model.ServerInfo{info}
	}

	var results []BulkResult
	for _, info := range items {
		err := a.startOne(info)
		results = append(results, BulkResult{Info: info, Err: err})
		if err != nil && rerr.KindOf(err) == rerr.KindValidation && strings.Contains(err.Error(), "limit reached") {
			break
		}
	}
	return results, nil
}

// StartServer starts a single server resolved by id/name/index.
func (a *App) StartServer(sel string) error {
	info, err := a.resolveOne(sel)
	if err != nil {
		return err
	}
	return a.startOne(info)
}

func (a *App) startOne(info model.ServerInfo) error {
	if h, ok, err := a.ctx.Handle(info.ID); err != nil {
		return err
	} else if ok && h != nil && info.Status == model.StatusRunning {
		return nil // idempotent: already running with a live handle
	}

	a.beMu.Lock()
	running := 0
	for _, b := range a.backends {
		if b != nil {
			running++
		}
	}
	a.beMu.Unlock()
	if running >= a.cfg.Server.MaxConcurrent {
		return rerr.Validation("limit reached: max_concurrent=%d running servers", a.cfg.Server.MaxConcurrent)
	}

	be, err := backend.New(info, a.cfg, a.baseDir, a.hub, a.challenges, a.certs, a.log)
	if err != nil {
		return err
	}

	exit := func(err error) {
		_ = a.ctx.SetStatus(info.ID, model.StatusFailed)
		_ = a.ctx.RemoveHandle(info.ID)
		a.proxyMgr.RemoveRoute(info.Name)
		_ = a.registry.UpdateStatus(info.ID, model.StatusFailed, "", false)
		if a.log != nil {
			a.log.Warn("backend listener ended unexpectedly", zap.String("server", info.Name), zap.Error(err))
		}
	}

	if err := be.Start(context.Background(), exit); err != nil {
		return rerr.Wrap(rerr.KindBindConflict, fmt.Sprintf("start %s", info.Name), err)
	}

	if err := a.ctx.PutHandle(info.ID, &servers.Handle{ID: info.ID}); err != nil {
		return err
	}
	a.proxyMgr.AddRoute(info.Name, info.Port)

	if err := a.ctx.SetStatus(info.ID, model.StatusRunning); err != nil {
		return err
	}
	now := time.Now().Format("2006-01-02 15:04:05")
	if err := a.registry.UpdateStatus(info.ID, model.StatusRunning, now, true); err != nil {
		return err
	}

	a.beMu.Lock()
	a.backends[info.ID] = be
	a.beMu.Unlock()
	return nil
}

// StopServer removes the runtime handle, stops the listener gracefully
// (falling back to the backend's own shutdown deadline on timeout), and
// marks the server Stopped (§4.10 "stop").
func (a *App) StopServer(sel string) error {
	info, err := a.resolveOne(sel)
	if err != nil {
		return err
	}
	return a.stopOne(info)
}

func (a *App) stopOne(info model.ServerInfo) error {
	a.beMu.Lock()
	be, ok := a.backends[info.ID]
	delete(a.backends, info.ID)
	a.beMu.Unlock()

	if ok && be != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := be.Stop(sctx); err != nil && a.log != nil {
			a.log.Warn("graceful stop exceeded deadline", zap.String("server", info.Name), zap.Error(err))
		}
	}

	_ = a.ctx.RemoveHandle(info.ID)
	a.proxyMgr.RemoveRoute(info.Name)
	if err := a.ctx.SetStatus(info.ID, model.StatusStopped); err != nil {
		return err
	}
	return a.registry.UpdateStatus(info.ID, model.StatusStopped, "", false)
}

// Cleanup removes declared servers matching filter ("stopped", "failed",
// "logs", "all") from both the persistent registry and the in-memory
// context, per §4.10. "logs" instead removes rotated log files under
// .rss/servers/ and leaves declared servers untouched.
func (a *App) Cleanup(filter string) (int, error) {
	switch filter {
	case "logs":
		return a.cleanupLogs()
	case "stopped":
		return a.cleanupByStatus(model.StatusStopped, registry.CleanupStopped)
	case "failed":
		return a.cleanupByStatus(model.StatusFailed, registry.CleanupFailed)
	case "all":
		return a.cleanupNotRunning()
	default:
		return 0, rerr.Validation("unknown cleanup filter %q (want stopped|failed|logs|all)", filter)
	}
}

func (a *App) cleanupByStatus(status model.Status, rf registry.CleanupFilter) (int, error) {
	list, err := a.ctx.List()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, s := range list {
		if s.Status == status {
			if err := a.ctx.Remove(s.ID); err != nil {
				return removed, err
			}
			removed++
		}
	}
	if _, err := a.registry.Cleanup(rf); err != nil {
		return removed, err
	}
	return removed, nil
}

// cleanupNotRunning implements "all": every declared server that is not
// currently Running is removed, leaving live servers untouched so a
// blanket cleanup can never orphan a bound listener.
func (a *App) cleanupNotRunning() (int, error) {
	n1, err := a.cleanupByStatus(model.StatusStopped, registry.CleanupStopped)
	if err != nil {
		return n1, err
	}
	n2, err := a.cleanupByStatus(model.StatusFailed, registry.CleanupFailed)
	return n1 + n2, err
}

func (a *App) cleanupLogs() (int, error) {
	dir := filepath.Join(a.baseDir, ".rss", "servers")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, rerr.Wrap(rerr.KindIO, "read log dir", err)
	}
	removed := 0
	for _, e := range entries {
		name := e.Name()
		if strings.Contains(name, ".log") || strings.HasSuffix(name, ".gz") {
			if err := os.Remove(filepath.Join(dir, name)); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// RecoverResult is one server's drift resolution from Recover.
type RecoverResult struct {
	Info      model.ServerInfo
	OldStatus model.Status
	NewStatus model.Status
	Changed   bool
}

// Recover inspects the (status, has_handle, port_available) triple for
// "all" or a single id and corrects drift per the §4.10 table.
func (a *App) Recover(sel string) ([]RecoverResult, error) {
	var items []model.ServerInfo
	if sel == "" || sel == "all" {
		list, err := a.sortedList()
		if err != nil {
			return nil, err
		}
		items = list
	} else {
		info, err := a.resolveOne(sel)
		if err != nil {
			return nil, err
		}
		items = []model.ServerInfo{info}
	}

	var out []RecoverResult
	for _, info := range items {
		r, err := a.recoverOne(info)
		if err != nil {
			return out, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (a *App) recoverOne(info model.ServerInfo) (RecoverResult, error) {
	_, hasHandle, err := a.ctx.Handle(info.ID)
	if err != nil {
		return RecoverResult{}, err
	}
	portAvailable := portFree(info.Port)

	newStatus := info.Status
	switch {
	case info.Status == model.StatusRunning && !hasHandle && portAvailable:
		newStatus = model.StatusStopped
	case info.Status == model.StatusRunning && !hasHandle && !portAvailable:
		newStatus = model.StatusFailed
	case info.Status == model.StatusRunning && hasHandle:
		newStatus = model.StatusRunning
	case info.Status != model.StatusRunning && hasHandle:
		newStatus = model.StatusRunning
	case info.Status == model.StatusFailed && !hasHandle && portAvailable:
		newStatus = model.StatusStopped
	}

	changed := newStatus != info.Status
	if changed {
		if err := a.ctx.SetStatus(info.ID, newStatus); err != nil {
			return RecoverResult{}, err
		}
		if err := a.registry.UpdateStatus(info.ID, newStatus, "", false); err != nil {
			return RecoverResult{}, err
		}
	}
	return RecoverResult{Info: info, OldStatus: info.Status, NewStatus: newStatus, Changed: changed}, nil
}
