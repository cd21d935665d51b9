package portalloc

import (
	"net"
	"testing"
)

func TestAllocateFindsFreePortInRange(t *testing.T) {
	port, err := Allocate(20000, 20050, map[int]struct{}{})
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if port < 20000 || port > 20050 {
		t.Fatalf("port %d outside range", port)
	}
}

func TestAllocateSkipsClaimedPorts(t *testing.T) {
	claimed := map[int]struct{}{20100: {}}
	port, err := Allocate(20100, 20110, claimed)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if port == 20100 {
		t.Fatalf("expected claimed port 20100 to be skipped")
	}
}

func TestAllocateSkipsPortHeldOpen(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("cannot bind for test setup: %v", err)
	}
	defer l.Close()
	held := l.Addr().(*net.TCPAddr).Port

	port, err := Allocate(held, held+10, map[int]struct{}{})
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if port == held {
		t.Fatalf("expected held port %d to be skipped", held)
	}
}

func TestAllocateErrorsWhenRangeInverted(t *testing.T) {
	if _, err := Allocate(100, 50, nil); err == nil {
		t.Fatalf("expected error for inverted range")
	}
}

func TestAllocateErrorsWhenRangeExhausted(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("cannot bind for test setup: %v", err)
	}
	defer l.Close()
	held := l.Addr().(*net.TCPAddr).Port

	if _, err := Allocate(held, held, map[int]struct{}{}); err == nil {
		t.Fatalf("expected error when the only candidate port is unavailable")
	}
}
