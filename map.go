// Copyright 2024 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package probemap implements an open-addressing hash table with linear
// probing and tombstone deletion.
//
// All entries live in a single contiguous slot array. Each slot is in one of
// three states: empty (never occupied since the last rebuild), occupied
// (holding a live key/value pair), or tombstone (previously occupied, then
// deleted). A lookup computes a home slot from a seeded 32-bit hash of the
// key and walks forward one slot at a time, wrapping at the end of the
// array, until it finds an occupied slot with an equal key or an empty slot.
// Tombstones keep probe chains intact: a walk continues past them rather
// than concluding absence, which is what allows deletion without shifting
// neighboring entries.
//
// When the fraction of non-empty slots (occupied plus tombstones) would
// exceed the maximum load factor, the table is rebuilt before the insert:
// all live entries are reinserted into a fresh array using the same seed,
// tombstones are dropped, and the old array is released. The rebuild doubles
// the capacity when live entries dominate, and otherwise rebuilds at the
// same capacity purely to reclaim tombstoned slots. Capacity is always a
// power of two so the home slot can be computed with a mask, and the rebuild
// policy guarantees at least one empty slot exists, bounding every probe
// walk.
//
// A Map is NOT goroutine-safe. Exactly one goroutine may operate on a Map at
// a time, and no operation may run concurrently with any other on the same
// Map.
package probemap

import (
	"fmt"
	"strings"
)

const (
	debug      = false
	invariants = false

	defaultCapacity      = 64
	defaultMaxLoadFactor = 0.75
)

type slotState uint8

const (
	slotEmpty slotState = iota
	slotOccupied
	slotTombstone
)

// Slot holds a key and value, plus the state marker that drives probing.
type Slot[K comparable, V any] struct {
	state slotState
	key   K
	value V
}

// Map is an unordered map from keys to values with Put, Get, Delete, and
// iteration operations, built on open addressing with linear probing. By
// default keys are hashed by their raw in-memory bytes, which requires the
// key type to be plain data with a canonical byte representation (no
// pointers, strings, or padding); see WithHash and StringHash for key types
// that don't satisfy that.
//
// A Map is NOT goroutine-safe.
type Map[K comparable, V any] struct {
	// The hash function applied to keys of type K. Fixed at construction.
	hash hashFn[K]
	// The per-instance hash seed. Chosen once at construction and preserved
	// verbatim across rebuilds so a key's hash is stable for the lifetime of
	// the map.
	seed uint32
	// The allocator used for the slot array.
	allocator Allocator[K, V]
	// The slot array. len(slots) == capacity.
	slots []Slot[K, V]
	// The total number of slots. Always a power of two, used as a mask to
	// compute i%capacity with a bitwise &.
	capacity uint32
	// The number of occupied slots (i.e. the number of elements in the map).
	// Tombstones are not counted.
	used int
	// The number of tombstoned slots.
	tombstones int
	// The number of empty slots that may still be converted to occupied
	// before a rebuild is required. Tombstones count against this budget
	// because probe chains only terminate at empty slots: a table full of
	// tombstones would otherwise never rebuild while its probe walks grow
	// without bound.
	growthLeft int
	// The configured maximum load factor in (0,1).
	maxLoadFactor float64
}

// New constructs a Map with the specified initial capacity, rounded up to a
// power of two and floored at 64. The zero value for a Map is not usable.
func New[K comparable, V any](initialCapacity int, options ...option[K, V]) *Map[K, V] {
	m := &Map[K, V]{
		hash:          hashRaw[K],
		seed:          randomSeed(),
		allocator:     defaultAllocator[K, V]{},
		maxLoadFactor: defaultMaxLoadFactor,
	}

	for _, op := range options {
		op.apply(m)
	}

	capacity := uint32(defaultCapacity)
	for int(capacity) < initialCapacity {
		capacity <<= 1
	}
	m.slots = m.allocator.AllocSlots(int(capacity))
	m.capacity = capacity
	m.growthLeft = m.rebuildThreshold(capacity)

	m.checkInvariants()
	return m
}

// Close releases the slot array back to the configured allocator. It is
// unnecessary to close a map using the default allocator. It is invalid to
// use a Map after it has been closed, though Close itself is idempotent.
func (m *Map[K, V]) Close() {
	if m.capacity > 0 {
		m.allocator.FreeSlots(m.slots)
		m.slots = nil
		m.capacity = 0
		m.used = 0
		m.tombstones = 0
		m.growthLeft = 0
	}
	m.allocator = nil
}

// Put inserts an entry into the map, overwriting the value if an entry with
// the same key already exists. It returns the previous value and
// replaced=true when an existing entry was overwritten. A Put that inserts a
// new entry may rebuild the table, which invalidates any outstanding Iter.
func (m *Map[K, V]) Put(key K, value V) (prev V, replaced bool) {
	h := m.hash(&key, m.seed)
	mask := m.capacity - 1
	i := h & mask
	// Index of the first tombstone passed on the walk, or -1. A new key is
	// placed there once absence has been proven by reaching an empty slot,
	// so that deletion churn doesn't permanently consume slots.
	reuse := -1

	if debug {
		fmt.Printf("put(%v): home=%d\n", key, i)
	}

	for {
		s := &m.slots[i]
		switch s.state {
		case slotOccupied:
			if s.key == key {
				prev, s.value = s.value, value
				m.checkInvariants()
				return prev, true
			}
		case slotTombstone:
			if reuse < 0 {
				reuse = int(i)
			}
		case slotEmpty:
			switch {
			case reuse >= 0:
				s = &m.slots[reuse]
				m.tombstones--
			case m.growthLeft == 0:
				m.rehash()
				// The rebuild replaced the slot array; re-probe from the
				// key's home slot in the new table. The hash is unchanged
				// because the seed is.
				m.uncheckedPut(h, key, value)
				m.used++
				m.checkInvariants()
				return prev, false
			default:
				m.growthLeft--
			}
			s.state = slotOccupied
			s.key = key
			s.value = value
			m.used++
			m.checkInvariants()
			return prev, false
		}
		i = (i + 1) & mask
	}
}

// Get retrieves the value for the specified key, returning ok=false if the
// key is not present.
func (m *Map[K, V]) Get(key K) (value V, ok bool) {
	h := m.hash(&key, m.seed)
	mask := m.capacity - 1
	// The walk terminates because the rebuild policy keeps at least one slot
	// empty. Tombstones are skipped: the sought key may live past them.
	for i := h & mask; ; i = (i + 1) & mask {
		s := &m.slots[i]
		switch s.state {
		case slotOccupied:
			if s.key == key {
				return s.value, true
			}
		case slotEmpty:
			return value, false
		}
	}
}

// Delete removes the entry for the specified key, returning the removed
// value and ok=true if it was present. The slot is tombstoned rather than
// emptied so that probe chains running through it stay intact; the storage
// is reclaimed by a later rebuild.
func (m *Map[K, V]) Delete(key K) (value V, ok bool) {
	h := m.hash(&key, m.seed)
	mask := m.capacity - 1
	for i := h & mask; ; i = (i + 1) & mask {
		s := &m.slots[i]
		switch s.state {
		case slotOccupied:
			if s.key == key {
				value = s.value
				*s = Slot[K, V]{state: slotTombstone}
				m.used--
				m.tombstones++
				m.checkInvariants()
				return value, true
			}
		case slotEmpty:
			return value, false
		}
	}
}

// Len returns the number of entries in the map.
func (m *Map[K, V]) Len() int {
	return m.used
}

// Clear removes all entries and tombstones, retaining the current capacity.
func (m *Map[K, V]) Clear() {
	clear(m.slots)
	m.used = 0
	m.tombstones = 0
	m.growthLeft = m.rebuildThreshold(m.capacity)
	m.checkInvariants()
}

// rebuildThreshold returns the number of non-empty slots a table of the
// given capacity may hold before it must be rebuilt. Strictly less than
// capacity for any load factor below 1, which is what guarantees probe
// termination.
func (m *Map[K, V]) rebuildThreshold(capacity uint32) int {
	return int(m.maxLoadFactor * float64(capacity))
}

// rehash rebuilds the table. The capacity doubles when live entries account
// for more than half of the rebuild threshold; otherwise the rebuild keeps
// the current capacity and merely drops tombstones. Sizing off the current
// capacity rather than the live count means capacity never shrinks and a
// tombstone-heavy table regains probe headroom.
func (m *Map[K, V]) rehash() {
	newCapacity := m.capacity
	if 2*(m.used+1) > m.rebuildThreshold(m.capacity) {
		newCapacity = 2 * m.capacity
	}
	m.resize(newCapacity)
}

// resize rebuilds the table at newCapacity by allocating a fresh slot array
// and reinserting every occupied slot of the old array in storage order via
// uncheckedPut (no insertion can hit an overwrite case because keys are
// unique). Tombstones are dropped. The old array is released only after
// migration completes, so a panicking allocation leaves the map unchanged.
func (m *Map[K, V]) resize(newCapacity uint32) {
	oldSlots := m.slots
	oldCapacity := m.capacity
	m.slots = m.allocator.AllocSlots(int(newCapacity))
	m.capacity = newCapacity
	m.tombstones = 0
	m.growthLeft = m.rebuildThreshold(newCapacity)

	if debug {
		fmt.Printf("resize: capacity=%d->%d used=%d growth-left=%d\n",
			oldCapacity, newCapacity, m.used, m.growthLeft)
	}

	for i := uint32(0); i < oldCapacity; i++ {
		s := &oldSlots[i]
		if s.state != slotOccupied {
			continue
		}
		h := m.hash(&s.key, m.seed)
		m.uncheckedPut(h, s.key, s.value)
	}

	if oldCapacity > 0 {
		m.allocator.FreeSlots(oldSlots)
	}

	m.checkInvariants()
}

// uncheckedPut inserts an entry known not to be in the table, placing it at
// the first non-occupied slot on its probe sequence. Used by Put after it
// has proven absence and by resize, which only ever inserts into a fresh
// table. Does not update used; callers account for that.
func (m *Map[K, V]) uncheckedPut(h uint32, key K, value V) {
	mask := m.capacity - 1
	i := h & mask
	for m.slots[i].state == slotOccupied {
		i = (i + 1) & mask
	}
	s := &m.slots[i]
	if s.state == slotEmpty {
		m.growthLeft--
	} else {
		m.tombstones--
	}
	s.state = slotOccupied
	s.key = key
	s.value = value
}

func (m *Map[K, V]) checkInvariants() {
	if invariants {
		var used, tombstones, empty int
		for i := uint32(0); i < m.capacity; i++ {
			switch m.slots[i].state {
			case slotOccupied:
				used++
			case slotTombstone:
				tombstones++
			case slotEmpty:
				empty++
			}
		}
		if used != m.used {
			panic(fmt.Sprintf("invariant failed: found %d occupied slots, but used count is %d\n%s",
				used, m.used, m.debugString()))
		}
		if tombstones != m.tombstones {
			panic(fmt.Sprintf("invariant failed: found %d tombstones, but tombstone count is %d\n%s",
				tombstones, m.tombstones, m.debugString()))
		}
		if m.capacity > 0 && empty == 0 {
			panic(fmt.Sprintf("invariant failed: no empty slot remains\n%s", m.debugString()))
		}
		if growthLeft := m.rebuildThreshold(m.capacity) - used - tombstones; growthLeft != m.growthLeft {
			panic(fmt.Sprintf("invariant failed: found %d growthLeft, but expected %d\n%s",
				m.growthLeft, growthLeft, m.debugString()))
		}

		// Every occupied slot must be reachable via Get.
		for i := uint32(0); i < m.capacity; i++ {
			s := &m.slots[i]
			if s.state != slotOccupied {
				continue
			}
			if _, ok := m.Get(s.key); !ok {
				h := m.hash(&s.key, m.seed)
				panic(fmt.Sprintf("invariant failed: slot(%d): %v not found [home=%d]\n%s",
					i, s.key, h&(m.capacity-1), m.debugString()))
			}
		}
	}
}

func (m *Map[K, V]) debugString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "capacity=%d  used=%d  tombstones=%d  growth-left=%d\n",
		m.capacity, m.used, m.tombstones, m.growthLeft)
	for i := uint32(0); i < m.capacity; i++ {
		s := &m.slots[i]
		switch s.state {
		case slotEmpty:
			fmt.Fprintf(&buf, "  %4d: empty\n", i)
		case slotTombstone:
			fmt.Fprintf(&buf, "  %4d: tombstone\n", i)
		case slotOccupied:
			h := m.hash(&s.key, m.seed)
			fmt.Fprintf(&buf, "  %4d: %v [home=%d]\n", i, s.key, h&(m.capacity-1))
		}
	}
	return buf.String()
}
