// Package portalloc implements the port allocator (§4.1): an advisory
// scan over [start,end] that skips ports already claimed by live servers
// and probes OS availability with a double-bind settle check to reduce
// TOCTOU races. The authoritative bind still happens at server start.
package portalloc

import (
	"fmt"
	"net"
	"time"

	"github.com/rushsync/rush/internal/rerr"
)

const maxProbes = 1000

// Allocate scans upward from start (inclusive) to end (inclusive),
// skipping ports present in claimed, and returns the first port that
// binds successfully twice in a row with a short settle delay between
// attempts.
func Allocate(start, end int, claimed map[int]struct{}) (int, error) {
	if end < start {
		return 0, rerr.Validation("port range end %d before start %d", end, start)
	}
	probes := end - start + 1
	if probes > maxProbes {
		probes = maxProbes
	}
	for i := 0; i < probes; i++ {
		port := start + i
		if port > end {
			break
		}
		if _, taken := claimed[port]; taken {
			continue
		}
		if probeAvailable(port) {
			return port, nil
		}
	}
	return 0, rerr.Validation("no free port in range [%d,%d]", start, end)
}

func probeAvailable(port int) bool {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	l1, err := net.Listen("tcp", addr)
	if err != nil {
		return false
	}
	l1.Close()
	time.Sleep(5 * time.Millisecond)
	l2, err := net.Listen("tcp", addr)
	if err != nil {
		return false
	}
	l2.Close()
	return true
}
