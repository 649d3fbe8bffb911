// Package dedup provides the URL claim filters used by the crawl engine.
package dedup

import (
	"fmt"
	"hash/fnv"
	"math"
	"sync"

	"github.com/bits-and-blooms/bitset"
	"github.com/cespare/xxhash/v2"
)

// BloomFilter is a probabilistic set sized for an expected capacity and false
// positive rate. Lookups use double hashing over a single bit array.
type BloomFilter struct {
	mu    sync.RWMutex
	bits  *bitset.BitSet
	m     uint64
	k     uint64
	count int64
}

// NewBloomFilter sizes a filter for capacity keys at the given error rate.
func NewBloomFilter(capacity int, errorRate float64) (*BloomFilter, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("bloom filter capacity must be positive, got %d", capacity)
	}
	if errorRate <= 0 || errorRate >= 1 {
		return nil, fmt.Errorf("bloom filter error rate must be in (0, 1), got %v", errorRate)
	}
	m, k := optimalParams(capacity, errorRate)
	return &BloomFilter{
		bits: bitset.New(uint(m)),
		m:    m,
		k:    k,
	}, nil
}

// optimalParams returns the bit-array length and hash count for the target.
func optimalParams(capacity int, errorRate float64) (m uint64, k uint64) {
	n := float64(capacity)
	bits := math.Ceil(n * math.Log(errorRate) / math.Log(1/math.Pow(2, math.Ln2)))
	if bits < 1 {
		bits = 1
	}
	hashes := math.Round(math.Ln2 * bits / n)
	if hashes < 1 {
		hashes = 1
	}
	return uint64(bits), uint64(hashes)
}

// Add claims key. Count grows on every call, even for keys already present.
func (f *BloomFilter) Add(key string) {
	h1, h2 := hashes(key)
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := uint64(0); i < f.k; i++ {
		f.bits.Set(uint((h1 + i*h2) % f.m))
	}
	f.count++
}

// Contains reports whether every bit for key is set.
func (f *BloomFilter) Contains(key string) bool {
	h1, h2 := hashes(key)
	f.mu.RLock()
	defer f.mu.RUnlock()
	for i := uint64(0); i < f.k; i++ {
		if !f.bits.Test(uint((h1 + i*h2) % f.m)) {
			return false
		}
	}
	return true
}

// Count returns the number of Add calls since the last Clear.
func (f *BloomFilter) Count() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.count
}

// Clear resets the bit array and the add counter.
func (f *BloomFilter) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bits.ClearAll()
	f.count = 0
}

// Bits returns the bit-array length.
func (f *BloomFilter) Bits() uint64 { return f.m }

// Hashes returns the number of hash functions.
func (f *BloomFilter) Hashes() uint64 { return f.k }

func hashes(key string) (uint64, uint64) {
	secondary := fnv.New64a()
	_, _ = secondary.Write([]byte(key))
	return xxhash.Sum64String(key), secondary.Sum64()
}
