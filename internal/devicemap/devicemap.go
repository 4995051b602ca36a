// Package devicemap maintains the mapping between user-visible GPU ids (the
// ids of the node where the workload was first launched, stored in images)
// and actual GPU ids (assigned by the driver on the current host). One map is
// filled during dump, a second one during restore; both are append-only while
// being captured and are rebuilt fresh on every invocation.
package devicemap

import (
	"k8s.io/klog/v2"
)

// Map is a set of (actual, user) id pairs. The zero value is ready to use.
// Not safe for concurrent mutation; all writes happen on the coordinator
// before any worker is spawned.
type Map struct {
	entries []entry
}

type entry struct {
	actualID uint32
	userID   uint32
}

// Add records a pairing. Adding the same actualID again overwrites the
// previous pairing (last write wins).
func (m *Map) Add(actualID, userID uint32) {
	for i := range m.entries {
		if m.entries[i].actualID == actualID {
			m.entries[i].userID = userID
			return
		}
	}
	m.entries = append(m.entries, entry{actualID: actualID, userID: userID})
	klog.V(2).Infof("device map: actual 0x%04x <-> user 0x%04x", actualID, userID)
}

// Get translates a known id to its counterpart: given an actual id it returns
// the user id and vice versa. Returns 0 when the id is unmapped; 0 is never a
// valid device id and callers must abort the enclosing operation on it.
func (m *Map) Get(knownID uint32) uint32 {
	for _, e := range m.entries {
		if e.actualID == knownID {
			return e.userID
		}
		if e.userID == knownID {
			return e.actualID
		}
	}
	return 0
}

// Len returns the number of pairings.
func (m *Map) Len() int { return len(m.entries) }

// Clear drops all pairings. Called at plugin teardown.
func (m *Map) Clear() { m.entries = nil }
