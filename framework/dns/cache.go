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

package dns

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Cache TTL bounds for error ("negative") entries. DNS does not give us a
// TTL to use for most errors so a fixed one is used, clamped to these
// bounds if overridden.
const (
	MinNegativeTTL = 1 * time.Minute
	MaxNegativeTTL = 1 * time.Hour
)

type cacheEntry struct {
	value  interface{}
	err    error
	expiry time.Time
}

// CachingResolver is a Resolver wrapper that keeps lookup results in
// memory.
//
// Concurrent lookups for the same (kind, name) key are collapsed into a
// single request to the underlying resolver, with all waiters sharing its
// outcome. Note that all waiters receive the answer that resolved the
// in-flight query even if its TTL expired while they were waiting; a fresh
// query is started only on the next cache miss.
//
// Lookup errors are cached too ("negative caching") using NegativeTTL.
// Errors are passed through unmodified so callers can distinguish
// NXDOMAIN, SERVFAIL, timeouts and transport problems.
type CachingResolver struct {
	// Underlying resolver to use for lookups. Usually DefaultResolver().
	Upstream Resolver

	// TTL for successful lookups. The stdlib resolver does not expose
	// per-record TTLs, so a fixed value is used.
	PositiveTTL time.Duration

	// TTL for cached errors. Clamped to [MinNegativeTTL, MaxNegativeTTL].
	NegativeTTL time.Duration

	// Maximum amount of entries to keep. When the cache grows larger,
	// expired and oldest entries are evicted. 0 means 10000.
	MaxEntries int

	sf      singleflight.Group
	entries sync.Map // string -> cacheEntry
	size    int
	sizeLck sync.Mutex
}

// NewCachingResolver creates a CachingResolver with reasonable defaults on
// top of the passed resolver.
func NewCachingResolver(upstream Resolver) *CachingResolver {
	return &CachingResolver{
		Upstream:    upstream,
		PositiveTTL: 5 * time.Minute,
		NegativeTTL: 5 * time.Minute,
	}
}

func (r *CachingResolver) negativeTTL() time.Duration {
	ttl := r.NegativeTTL
	if ttl < MinNegativeTTL {
		ttl = MinNegativeTTL
	}
	if ttl > MaxNegativeTTL {
		ttl = MaxNegativeTTL
	}
	return ttl
}

func (r *CachingResolver) maxEntries() int {
	if r.MaxEntries == 0 {
		return 10000
	}
	return r.MaxEntries
}

func (r *CachingResolver) lookup(ctx context.Context, key string, do func(context.Context) (interface{}, error)) (interface{}, error) {
	if entI, ok := r.entries.Load(key); ok {
		ent := entI.(cacheEntry)
		if time.Now().Before(ent.expiry) {
			return ent.value, ent.err
		}
		r.entries.Delete(key)
	}

	// Detach the singleflight call from the waiter context so one canceled
	// waiter does not fail the lookup for everyone else.
	resI, err, _ := r.sf.Do(key, func() (interface{}, error) {
		val, err := do(context.Background())

		ttl := r.PositiveTTL
		if err != nil {
			if !cacheableError(err) {
				return val, err
			}
			ttl = r.negativeTTL()
		}

		r.store(key, cacheEntry{
			value:  val,
			err:    err,
			expiry: time.Now().Add(ttl),
		})
		return val, err
	})
	if err != nil {
		return resI, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return resI, nil
}

// cacheableError reports whether the error outcome may be kept in cache.
// Timeouts and cancellation are transient conditions of the particular
// query, not the name, so they are not cached.
func cacheableError(err error) bool {
	if dnsErr, ok := err.(*net.DNSError); ok {
		return !dnsErr.IsTimeout
	}
	if err == context.Canceled || err == context.DeadlineExceeded {
		return false
	}
	return false
}

func (r *CachingResolver) store(key string, ent cacheEntry) {
	r.sizeLck.Lock()
	defer r.sizeLck.Unlock()

	if r.size >= r.maxEntries() {
		now := time.Now()
		r.entries.Range(func(k, v interface{}) bool {
			if now.After(v.(cacheEntry).expiry) {
				r.entries.Delete(k)
				r.size--
			}
			return r.size >= r.maxEntries()
		})
		if r.size >= r.maxEntries() {
			// All entries are still fresh, drop an arbitrary one.
			r.entries.Range(func(k, v interface{}) bool {
				r.entries.Delete(k)
				r.size--
				return false
			})
		}
	}

	if _, loaded := r.entries.LoadOrStore(key, ent); !loaded {
		r.size++
	} else {
		r.entries.Store(key, ent)
	}
}

// Flush removes all cached entries.
func (r *CachingResolver) Flush() {
	r.sizeLck.Lock()
	defer r.sizeLck.Unlock()
	r.entries.Range(func(k, _ interface{}) bool {
		r.entries.Delete(k)
		return true
	})
	r.size = 0
}

func cacheKey(kind, name string) string {
	return kind + ":" + strings.ToLower(name)
}

func (r *CachingResolver) LookupAddr(ctx context.Context, addr string) ([]string, error) {
	res, err := r.lookup(ctx, cacheKey("ptr", addr), func(ctx context.Context) (interface{}, error) {
		return r.Upstream.LookupAddr(ctx, addr)
	})
	if res == nil {
		return nil, err
	}
	return res.([]string), err
}

func (r *CachingResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	res, err := r.lookup(ctx, cacheKey("host", host), func(ctx context.Context) (interface{}, error) {
		return r.Upstream.LookupHost(ctx, host)
	})
	if res == nil {
		return nil, err
	}
	return res.([]string), err
}

func (r *CachingResolver) LookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	res, err := r.lookup(ctx, cacheKey("mx", name), func(ctx context.Context) (interface{}, error) {
		return r.Upstream.LookupMX(ctx, name)
	})
	if res == nil {
		return nil, err
	}
	return res.([]*net.MX), err
}

func (r *CachingResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	res, err := r.lookup(ctx, cacheKey("txt", name), func(ctx context.Context) (interface{}, error) {
		return r.Upstream.LookupTXT(ctx, name)
	})
	if res == nil {
		return nil, err
	}
	return res.([]string), err
}

func (r *CachingResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	res, err := r.lookup(ctx, cacheKey("ip", host), func(ctx context.Context) (interface{}, error) {
		return r.Upstream.LookupIPAddr(ctx, host)
	})
	if res == nil {
		return nil, err
	}
	return res.([]net.IPAddr), err
}
