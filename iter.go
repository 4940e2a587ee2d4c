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

package probemap

// Iter is a restartable forward cursor over the live entries of a Map,
// produced in storage order (an arbitrary order determined by hashing and
// probing, not insertion order).
//
// An Iter is invalidated by any Put or Delete on its Map: a rebuild replaces
// the slot array out from under the cursor, and even without a rebuild
// entries may be skipped or revisited. After mutating, call Reset or obtain
// a fresh Iter.
type Iter[K comparable, V any] struct {
	m   *Map[K, V]
	idx uint32
}

// Iter returns a cursor positioned before the first live entry.
func (m *Map[K, V]) Iter() Iter[K, V] {
	return Iter[K, V]{m: m}
}

// Next returns the next live entry in storage order, or ok=false once the
// cursor has passed the end of the table.
func (it *Iter[K, V]) Next() (key K, value V, ok bool) {
	for ; it.idx < it.m.capacity; it.idx++ {
		s := &it.m.slots[it.idx]
		if s.state == slotOccupied {
			it.idx++
			return s.key, s.value, true
		}
	}
	return key, value, false
}

// Reset rewinds the cursor to the start of the table, making the sequence
// restartable. If the map was not mutated in between, a rewound cursor
// yields the same entries again.
func (it *Iter[K, V]) Reset() {
	it.idx = 0
}

// All calls yield sequentially for each key and value present in the map. If
// yield returns false, iteration stops. Unlike Iter, All snapshots the slot
// array before iterating, so the map may be mutated during iteration; the
// iteration sees the table as it was when All was called, and there is no
// guarantee that mutations will be visible.
func (m *Map[K, V]) All(yield func(key K, value V) bool) {
	slots := m.slots
	for i := range slots {
		s := &slots[i]
		if s.state != slotOccupied {
			continue
		}
		if !yield(s.key, s.value) {
			return
		}
	}
}
