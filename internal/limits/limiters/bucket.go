/*
Ferrum Mail Transfer Daemon - composable Internet mail transfer agent.
Copyright © 2021-2025 Max Mazurov <fox.cpp@disroot.org>, Ferrum contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package limiters

import (
	"context"
	"sync"
	"time"
)

// BucketSet gives each unique key its own limiter, so per-IP or
// per-domain restrictions can be expressed with any L implementation.
//
// The number of tracked keys is capped: when the cap is reached, keys
// idle for longer than ReapInterval are dropped, and if every key is
// still active the Take fails. Overload thus degrades into dropping
// requests for new keys instead of growing without bound.
//
// A BucketSet with a nil New function is a no-op.
type BucketSet struct {
	// New constructs the limiter for a previously unseen key.
	//
	// Safe to change only while no goroutine uses the set.
	New func() L

	// Idle time after which a key may be evicted. For use with Rate it
	// should be at least twice the refill interval.
	ReapInterval time.Duration

	MaxBuckets int

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	l       L
	lastUse time.Time
}

func NewBucketSet(new_ func() L, reapInterval time.Duration, maxBuckets int) *BucketSet {
	return &BucketSet{
		New:          new_,
		ReapInterval: reapInterval,
		MaxBuckets:   maxBuckets,
		buckets:      map[string]*bucket{},
	}
}

func (bs *BucketSet) Close() {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	for _, b := range bs.buckets {
		b.l.Close()
	}
}

// reap drops the keys that were not used recently. Called with the lock
// held.
func (bs *BucketSet) reap() {
	now := time.Now()
	for key, b := range bs.buckets {
		if now.Sub(b.lastUse) <= bs.ReapInterval {
			continue
		}
		// Dropping the limiter wakes any Take blocked on it with a
		// failure. That only happens under sustained overload where
		// shedding some requests is the reasonable outcome.
		b.l.Close()
		delete(bs.buckets, key)
	}
}

// forKey returns the limiter for the key, creating it if needed. nil is
// returned if the set is full of active keys.
func (bs *BucketSet) forKey(key string) L {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if b, ok := bs.buckets[key]; ok {
		b.lastUse = time.Now()
		return b.l
	}

	if len(bs.buckets) >= bs.MaxBuckets {
		bs.reap()
		if len(bs.buckets) >= bs.MaxBuckets {
			return nil
		}
	}

	b := &bucket{l: bs.New(), lastUse: time.Now()}
	bs.buckets[key] = b
	return b.l
}

func (bs *BucketSet) Take(key string) bool {
	if bs.New == nil {
		return true
	}

	l := bs.forKey(key)
	if l == nil {
		return false
	}
	return l.Take()
}

func (bs *BucketSet) TakeContext(ctx context.Context, key string) error {
	if bs.New == nil {
		return nil
	}

	l := bs.forKey(key)
	if l == nil {
		return ErrClosed
	}
	return l.TakeContext(ctx)
}

func (bs *BucketSet) Release(key string) {
	if bs.New == nil {
		return
	}

	bs.mu.Lock()
	defer bs.mu.Unlock()

	if b, ok := bs.buckets[key]; ok {
		b.l.Release()
	}
}
