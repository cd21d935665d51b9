package watch

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rushsync/rush/internal/model"
)

func TestShouldEmitFiltersHiddenAndTempFiles(t *testing.T) {
	cases := []struct {
		path    string
		wantOK  bool
		wantExt string
	}{
		{"/root/index.html", true, "html"},
		{"/root/.hidden.html", false, ""},
		{"/root/backup~", false, ""},
		{"/root/file.tmp", false, ""},
		{"/root/file.swp", false, ""},
		{"/root/archive.zip", false, ""},
		{"/root/styles.CSS", true, "css"},
	}
	for _, c := range cases {
		ext, ok := shouldEmit(c.path)
		if ok != c.wantOK {
			t.Errorf("shouldEmit(%q) ok = %v, want %v", c.path, ok, c.wantOK)
			continue
		}
		if ok && ext != c.wantExt {
			t.Errorf("shouldEmit(%q) ext = %q, want %q", c.path, ext, c.wantExt)
		}
	}
}

func TestBroadcastRespectsSubscriberFilter(t *testing.T) {
	h := NewHub(nil)
	matching, unsubMatch := h.Subscribe("blog:8080")
	defer unsubMatch()
	other, unsubOther := h.Subscribe("shop:9090")
	defer unsubOther()
	all, unsubAll := h.Subscribe("")
	defer unsubAll()

	h.Broadcast(model.FileChangeEvent{ServerName: "blog", Port: 8080, EventType: model.FileModified})

	select {
	case ev := <-matching:
		if ev.ServerName != "blog" {
			t.Fatalf("unexpected event on matching subscriber: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected matching subscriber to receive event")
	}

	select {
	case ev := <-other:
		t.Fatalf("non-matching subscriber should not receive event, got %+v", ev)
	default:
	}

	select {
	case <-all:
	case <-time.After(time.Second):
		t.Fatalf("expected unfiltered subscriber to receive event")
	}
}

func TestBroadcastDropsWhenSubscriberChannelFull(t *testing.T) {
	h := NewHub(nil)
	ch, unsub := h.Subscribe("")
	defer unsub()

	for i := 0; i < broadcastCapacity+10; i++ {
		h.Broadcast(model.FileChangeEvent{ServerName: "blog", Port: 8080})
	}
	if len(ch) != broadcastCapacity {
		t.Fatalf("expected channel to saturate at capacity %d, got %d", broadcastCapacity, len(ch))
	}
}

func TestWatchEmitsEventOnFileCreate(t *testing.T) {
	root := t.TempDir()
	h := NewHub(nil)
	ch, unsub := h.Subscribe("blog:8080")
	defer unsub()

	if err := h.Watch("blog", 8080, root); err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer h.Unwatch("blog", 8080)

	if err := os.WriteFile(filepath.Join(root, "index.html"), []byte("hi"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	select {
	case ev := <-ch:
		if ev.ServerName != "blog" || ev.Port != 8080 {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("expected a file change event to be broadcast")
	}
}

func TestUnwatchStopsFurtherEvents(t *testing.T) {
	root := t.TempDir()
	h := NewHub(nil)
	ch, unsub := h.Subscribe("blog:8080")
	defer unsub()

	if err := h.Watch("blog", 8080, root); err != nil {
		t.Fatalf("watch: %v", err)
	}
	h.Unwatch("blog", 8080)

	if err := os.WriteFile(filepath.Join(root, "index.html"), []byte("hi"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	select {
	case ev := <-ch:
		t.Fatalf("expected no event after Unwatch, got %+v", ev)
	case <-time.After(300 * time.Millisecond):
	}
}
