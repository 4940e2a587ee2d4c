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

import "fmt"

// option provides an interface to do work on Map while it is being created.
type option[K comparable, V any] interface {
	apply(m *Map[K, V])
}

type hashOption[K comparable, V any] struct {
	hash hashFn[K]
}

func (op hashOption[K, V]) apply(m *Map[K, V]) {
	m.hash = op.hash
}

// WithHash is an option to specify the hash function to use for a Map[K,V].
// The function must be deterministic for a given seed and must map equal
// keys to equal digests.
func WithHash[K comparable, V any](hash func(key *K, seed uint32) uint32) option[K, V] {
	return hashOption[K, V]{hash}
}

type seedOption[K comparable, V any] struct {
	seed uint32
}

func (op seedOption[K, V]) apply(m *Map[K, V]) {
	m.seed = op.seed
}

// WithSeed is an option to fix the hash seed of a Map[K,V], making its
// internal layout reproducible. Without it every map draws a fresh random
// seed at construction.
func WithSeed[K comparable, V any](seed uint32) option[K, V] {
	return seedOption[K, V]{seed}
}

type maxLoadFactorOption[K comparable, V any] struct {
	f float64
}

func (op maxLoadFactorOption[K, V]) apply(m *Map[K, V]) {
	m.maxLoadFactor = op.f
}

// WithMaxLoadFactor is an option to specify the maximum fraction of
// non-empty slots tolerated before a rebuild, in (0,1). The default is 0.75.
func WithMaxLoadFactor[K comparable, V any](f float64) option[K, V] {
	if f <= 0 || f >= 1 {
		panic(fmt.Sprintf("max load factor must be in (0,1): %v", f))
	}
	return maxLoadFactorOption[K, V]{f}
}

// Allocator specifies an interface for allocating and releasing the slot
// array used by a Map. The default allocator utilizes Go's builtin make()
// and allows the GC to reclaim memory.
//
// If the allocator is manually managing memory and requires that slots be
// freed then Map.Close must be called in order to ensure FreeSlots is
// called.
type Allocator[K comparable, V any] interface {
	// AllocSlots should return a slice equivalent to make([]Slot[K,V], n).
	AllocSlots(n int) []Slot[K, V]

	// FreeSlots can optionally release the memory associated with the
	// supplied slice that is guaranteed to have been allocated by
	// AllocSlots.
	FreeSlots(v []Slot[K, V])
}

type defaultAllocator[K comparable, V any] struct{}

func (defaultAllocator[K, V]) AllocSlots(n int) []Slot[K, V] {
	return make([]Slot[K, V], n)
}

func (defaultAllocator[K, V]) FreeSlots(v []Slot[K, V]) {
}

type allocatorOption[K comparable, V any] struct {
	allocator Allocator[K, V]
}

func (op allocatorOption[K, V]) apply(m *Map[K, V]) {
	m.allocator = op.allocator
}

// WithAllocator is an option to specify the Allocator to use for a Map[K,V].
func WithAllocator[K comparable, V any](allocator Allocator[K, V]) option[K, V] {
	return allocatorOption[K, V]{allocator}
}
