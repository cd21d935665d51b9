package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rushsync/rush/internal/model"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	dir := t.TempDir()
	r := Open(filepath.Join(dir, "servers.list"), nil)
	t.Cleanup(r.Close)
	return r
}

func TestLoadOnMissingFileReturnsEmpty(t *testing.T) {
	r := newTestRegistry(t)
	list, err := r.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected empty list, got %d entries", len(list))
	}
}

func TestAddThenLoadRoundTrips(t *testing.T) {
	r := newTestRegistry(t)
	info := model.ServerInfo{ID: "a", Name: "blog", Port: 8080, CreatedTS: 10}
	if err := r.Add(info); err != nil {
		t.Fatalf("add: %v", err)
	}
	list, err := r.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(list) != 1 || list[0].Name != "blog" {
		t.Fatalf("unexpected list: %+v", list)
	}
}

func TestSaveSortsByCreatedTimestamp(t *testing.T) {
	r := newTestRegistry(t)
	_ = r.Add(model.ServerInfo{ID: "b", CreatedTS: 20})
	_ = r.Add(model.ServerInfo{ID: "a", CreatedTS: 10})

	list, err := r.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(list) != 2 || list[0].ID != "a" || list[1].ID != "b" {
		t.Fatalf("expected sorted order [a b], got %+v", list)
	}
}

func TestRemoveDeletesMatchingID(t *testing.T) {
	r := newTestRegistry(t)
	_ = r.Add(model.ServerInfo{ID: "a", CreatedTS: 1})
	_ = r.Add(model.ServerInfo{ID: "b", CreatedTS: 2})

	if err := r.Remove("a"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	list, _ := r.Load()
	if len(list) != 1 || list[0].ID != "b" {
		t.Fatalf("unexpected list after remove: %+v", list)
	}
}

func TestUpdateStatusBumpsStartCount(t *testing.T) {
	r := newTestRegistry(t)
	_ = r.Add(model.ServerInfo{ID: "a", CreatedTS: 1, Status: model.StatusStopped})

	if err := r.UpdateStatus("a", model.StatusRunning, "2026-01-01 00:00:00", true); err != nil {
		t.Fatalf("update status: %v", err)
	}
	list, _ := r.Load()
	if list[0].Status != model.StatusRunning || list[0].StartCount != 1 || list[0].LastStarted == "" {
		t.Fatalf("unexpected record after update: %+v", list[0])
	}
}

func TestCleanupRemovesOnlyMatchingFilter(t *testing.T) {
	r := newTestRegistry(t)
	_ = r.Add(model.ServerInfo{ID: "a", CreatedTS: 1, Status: model.StatusStopped})
	_ = r.Add(model.ServerInfo{ID: "b", CreatedTS: 2, Status: model.StatusFailed})
	_ = r.Add(model.ServerInfo{ID: "c", CreatedTS: 3, Status: model.StatusRunning})

	removed, err := r.Cleanup(CleanupStopped)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	list, _ := r.Load()
	if len(list) != 2 {
		t.Fatalf("expected 2 remaining, got %d", len(list))
	}
}

func TestLoadAcceptsLegacyBareArrayEnvelope(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "servers.list")
	legacy := `[{"id":"a","name":"blog","port":8080,"created_timestamp":1}]`
	if err := os.WriteFile(path, []byte(legacy), 0o644); err != nil {
		t.Fatalf("write legacy fixture: %v", err)
	}

	r := Open(path, nil)
	defer r.Close()
	list, err := r.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(list) != 1 || list[0].ID != "a" {
		t.Fatalf("unexpected list: %+v", list)
	}
}
