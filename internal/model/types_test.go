package model

import (
	"testing"
	"time"
)

func TestDirName(t *testing.T) {
	cases := []struct {
		name string
		port int
		want string
	}{
		{"blog", 8080, "blog-[8080]"},
		{"app", 0, "app-[0]"},
		{"svc", 3, "svc-[3]"},
	}
	for _, c := range cases {
		s := ServerInfo{Name: c.name, Port: c.port}
		if got := s.DirName(); got != c.want {
			t.Errorf("DirName(%q,%d) = %q, want %q", c.name, c.port, got, c.want)
		}
	}
}

func TestNewLogEntryStampsBothFields(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	e := NewLogEntry(now)
	if e.Timestamp != "2026-01-02 03:04:05" {
		t.Errorf("Timestamp = %q", e.Timestamp)
	}
	if e.TimestampUnix != now.Unix() {
		t.Errorf("TimestampUnix = %d, want %d", e.TimestampUnix, now.Unix())
	}
}

func TestCloneIsIndependentValue(t *testing.T) {
	s := ServerInfo{ID: "a", Name: "orig"}
	c := s.Clone()
	c.Name = "changed"
	if s.Name != "orig" {
		t.Fatalf("mutating clone affected original")
	}
}
