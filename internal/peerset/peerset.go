/* SPDX-License-Identifier: MIT */

// Package peerset tracks the sorted, deduplicated set of neighbour
// IPv4 addresses observed on the multicast link. Grounded on iplist.c's
// sorted-insert discipline, restructured per spec.md §9 (REDESIGN:
// owned Go slice under one mutex instead of manual realloc/qsort).
package peerset

import (
	"net/netip"
	"sort"
	"sync"
	"time"
)

// Set is the sorted list of observed peer addresses. The zero value is
// ready to use. No entry is ever auto-removed (spec.md §4.2, §9 Open
// Question: peers are never evicted in the core).
type Set struct {
	mu       sync.Mutex
	addrs    []netip.Addr
	lastSeen map[netip.Addr]time.Time
}

// Add inserts ip if absent, keeping the list sorted by raw unsigned
// 32-bit value. Returns whether it was newly added.
func (s *Set) Add(ip netip.Addr) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastSeen == nil {
		s.lastSeen = make(map[netip.Addr]time.Time)
	}
	s.lastSeen[ip] = time.Now()

	i := sort.Search(len(s.addrs), func(i int) bool {
		return !less(s.addrs[i], ip)
	})
	if i < len(s.addrs) && s.addrs[i] == ip {
		return false
	}

	s.addrs = append(s.addrs, netip.Addr{})
	copy(s.addrs[i+1:], s.addrs[i:])
	s.addrs[i] = ip
	return true
}

// Reset empties the set.
func (s *Set) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addrs = nil
	s.lastSeen = nil
}

// Len reports the number of known peers.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.addrs)
}

// Snapshot returns a copy of the sorted peer list.
func (s *Set) Snapshot() []netip.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]netip.Addr, len(s.addrs))
	copy(out, s.addrs)
	return out
}

// LastSeen reports when ip was last observed, and whether it is known
// at all. This is diagnostic only -- it never drives eviction.
func (s *Set) LastSeen(ip netip.Addr) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.lastSeen[ip]
	return t, ok
}

func less(a, b netip.Addr) bool {
	a4, b4 := a.As4(), b.As4()
	for i := range a4 {
		if a4[i] != b4[i] {
			return a4[i] < b4[i]
		}
	}
	return false
}
