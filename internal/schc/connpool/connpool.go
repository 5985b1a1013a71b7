// Package connpool implements the fixed-size RX connection table: a
// small set of reusable slots keyed by device id, owned by the caller
// rather than held in package state.
package connpool

import "sync"

// Slot is one reusable connection-table entry. The pool only tracks
// occupancy by device id; the payload is whatever the caller stores
// (the reassembler's per-device state) in Value.
type Slot struct {
	DeviceID uint32
	Occupied bool
	Value    interface{}
}

// Table is a fixed-size table of RX connection slots. It is safe for
// concurrent use: the state machine itself is single-threaded per
// connection, but the table is shared across however many connections
// a session manager drives concurrently.
type Table struct {
	mu    sync.Mutex
	slots []Slot
}

// New creates a table with size slots, size coming from Params.RxConns.
func New(size int) *Table {
	return &Table{slots: make([]Slot, size)}
}

// Get returns the slot for deviceID if one is already assigned, otherwise
// the first free slot, initializing it for deviceID in the process. It
// returns false if every slot is occupied by a different device.
func (t *Table) Get(deviceID uint32) (*Slot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.slots {
		if t.slots[i].Occupied && t.slots[i].DeviceID == deviceID {
			return &t.slots[i], true
		}
	}
	for i := range t.slots {
		if !t.slots[i].Occupied {
			t.slots[i].DeviceID = deviceID
			t.slots[i].Occupied = true
			return &t.slots[i], true
		}
	}
	return nil, false
}

// Release frees the slot assigned to deviceID, if any, clearing its value
// so nothing outlives the connection it backed.
func (t *Table) Release(deviceID uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.slots {
		if t.slots[i].Occupied && t.slots[i].DeviceID == deviceID {
			t.slots[i] = Slot{}
			return
		}
	}
}

// Len reports how many slots are currently occupied.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for i := range t.slots {
		if t.slots[i].Occupied {
			n++
		}
	}
	return n
}

// Cap reports the table's fixed capacity.
func (t *Table) Cap() int {
	return len(t.slots)
}
