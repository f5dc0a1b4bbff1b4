/* SPDX-License-Identifier: MIT */

package peerset

import (
	"net/netip"
	"sort"
	"testing"
)

func TestAddKeepsSortedAndDeduplicated(t *testing.T) {
	var s Set
	addrs := []string{"10.0.0.5", "10.0.0.1", "10.0.0.9", "10.0.0.1", "10.0.0.3"}

	for _, a := range addrs {
		s.Add(netip.MustParseAddr(a))
	}

	got := s.Snapshot()
	if len(got) != 4 {
		t.Fatalf("Snapshot has %d entries, want 4 (duplicate of 10.0.0.1 must collapse)", len(got))
	}
	if !sort.SliceIsSorted(got, func(i, j int) bool { return less(got[i], got[j]) }) {
		t.Fatalf("peer set not sorted: %v", got)
	}
}

func TestAddReturnsWhetherNew(t *testing.T) {
	var s Set
	ip := netip.MustParseAddr("10.0.0.1")

	if !s.Add(ip) {
		t.Fatalf("Add of new address returned false")
	}
	if s.Add(ip) {
		t.Fatalf("Add of existing address returned true")
	}
}

func TestResetEmptiesSet(t *testing.T) {
	var s Set
	s.Add(netip.MustParseAddr("10.0.0.1"))
	s.Add(netip.MustParseAddr("10.0.0.2"))
	s.Reset()
	if s.Len() != 0 {
		t.Fatalf("Len after Reset = %d, want 0", s.Len())
	}
	if len(s.Snapshot()) != 0 {
		t.Fatalf("Snapshot after Reset is non-empty")
	}
}

func TestLastSeenKnownAfterAdd(t *testing.T) {
	var s Set
	ip := netip.MustParseAddr("10.0.0.1")
	if _, ok := s.LastSeen(ip); ok {
		t.Fatalf("LastSeen before any Add reported known")
	}
	s.Add(ip)
	if _, ok := s.LastSeen(ip); !ok {
		t.Fatalf("LastSeen after Add reported unknown")
	}
}
