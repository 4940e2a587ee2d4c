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

import (
	"encoding/binary"
	"math/bits"
	"math/rand"
	"unsafe"

	"github.com/cespare/xxhash/v2"
)

// hashFn derives a seeded 32-bit digest from a key. Two equal keys must hash
// identically under the same seed; there is no guarantee across seeds. The
// 32-bit output bounds the number of distinguishable home slots at 2^32,
// which bounds the maximum practical table size.
type hashFn[K comparable] func(key *K, seed uint32) uint32

func randomSeed() uint32 {
	return rand.Uint32()
}

// hashRaw is the default hash function: Murmur3 over the key's raw in-memory
// bytes. It is only correct for key types whose logical value is uniquely
// determined by their byte representation. Types containing pointers,
// strings, interfaces, or padding bytes must supply their own function via
// WithHash.
func hashRaw[K comparable](key *K, seed uint32) uint32 {
	b := unsafe.Slice((*byte)(unsafe.Pointer(key)), unsafe.Sizeof(*key))
	return murmur32(b, seed)
}

// StringHash hashes a string key by content. Suitable for use with WithHash
// when K is string, which the default raw-byte hash cannot serve (it would
// digest the string header rather than the string data).
func StringHash(key *string, seed uint32) uint32 {
	h := xxhash.Sum64String(*key)
	return fmix32(uint32(h) ^ uint32(h>>32) ^ seed)
}

const (
	murmurC1 uint32 = 0xcc9e2d51
	murmurC2 uint32 = 0x1b873593
)

// murmur32 is MurmurHash3 x86/32.
func murmur32(b []byte, seed uint32) uint32 {
	h := seed
	n := len(b)
	for ; len(b) >= 4; b = b[4:] {
		k := binary.LittleEndian.Uint32(b)
		k *= murmurC1
		k = bits.RotateLeft32(k, 15)
		k *= murmurC2
		h ^= k
		h = bits.RotateLeft32(h, 13)
		h = h*5 + 0xe6546b64
	}

	var k uint32
	switch len(b) {
	case 3:
		k ^= uint32(b[2]) << 16
		fallthrough
	case 2:
		k ^= uint32(b[1]) << 8
		fallthrough
	case 1:
		k ^= uint32(b[0])
		k *= murmurC1
		k = bits.RotateLeft32(k, 15)
		k *= murmurC2
		h ^= k
	}

	h ^= uint32(n)
	return fmix32(h)
}

// fmix32 is the Murmur3 32-bit finalizer, forcing all input bits to avalanche.
func fmix32(h uint32) uint32 {
	h ^= h >> 16
	h *= 0x85ebca6b
	h ^= h >> 13
	h *= 0xc2b2ae35
	h ^= h >> 16
	return h
}
