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
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// countingResolver counts the lookups that reach the underlying source.
type countingResolver struct {
	txtCalls int32
	block    chan struct{}

	txtRes map[string][]string
	txtErr error

	lck sync.Mutex
}

func (r *countingResolver) LookupAddr(ctx context.Context, addr string) ([]string, error) {
	return nil, &net.DNSError{Err: "no result", IsNotFound: true}
}

func (r *countingResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	return nil, &net.DNSError{Err: "no result", IsNotFound: true}
}

func (r *countingResolver) LookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	return nil, &net.DNSError{Err: "no result", IsNotFound: true}
}

func (r *countingResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	atomic.AddInt32(&r.txtCalls, 1)
	if r.block != nil {
		<-r.block
	}

	r.lck.Lock()
	defer r.lck.Unlock()
	if r.txtErr != nil {
		return nil, r.txtErr
	}
	return r.txtRes[name], nil
}

func (r *countingResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	return nil, &net.DNSError{Err: "no result", IsNotFound: true}
}

func TestCachingResolver_Caches(t *testing.T) {
	upstream := &countingResolver{
		txtRes: map[string][]string{"example.org": {"hello"}},
	}
	r := NewCachingResolver(upstream)

	for i := 0; i < 3; i++ {
		res, err := r.LookupTXT(context.Background(), "example.org")
		if err != nil {
			t.Fatal(err)
		}
		if len(res) != 1 || res[0] != "hello" {
			t.Fatalf("wrong result: %v", res)
		}
	}

	if calls := atomic.LoadInt32(&upstream.txtCalls); calls != 1 {
		t.Errorf("expected 1 upstream call, got %d", calls)
	}
}

func TestCachingResolver_NegativeCache(t *testing.T) {
	upstream := &countingResolver{
		txtErr: &net.DNSError{Err: "no such host", IsNotFound: true},
	}
	r := NewCachingResolver(upstream)

	for i := 0; i < 3; i++ {
		_, err := r.LookupTXT(context.Background(), "nx.example.org")
		dnsErr, ok := err.(*net.DNSError)
		if !ok || !dnsErr.IsNotFound {
			t.Fatalf("error should propagate unchanged, got %v", err)
		}
	}

	if calls := atomic.LoadInt32(&upstream.txtCalls); calls != 1 {
		t.Errorf("expected 1 upstream call, got %d", calls)
	}
}

func TestCachingResolver_NoTimeoutCache(t *testing.T) {
	upstream := &countingResolver{
		txtErr: &net.DNSError{Err: "i/o timeout", IsTimeout: true},
	}
	r := NewCachingResolver(upstream)

	for i := 0; i < 2; i++ {
		if _, err := r.LookupTXT(context.Background(), "slow.example.org"); err == nil {
			t.Fatal("expected an error")
		}
	}

	if calls := atomic.LoadInt32(&upstream.txtCalls); calls != 2 {
		t.Errorf("timeouts should not be cached, got %d calls", calls)
	}
}

func TestCachingResolver_Expiry(t *testing.T) {
	upstream := &countingResolver{
		txtRes: map[string][]string{"example.org": {"hello"}},
	}
	r := NewCachingResolver(upstream)
	r.PositiveTTL = 10 * time.Millisecond

	if _, err := r.LookupTXT(context.Background(), "example.org"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if _, err := r.LookupTXT(context.Background(), "example.org"); err != nil {
		t.Fatal(err)
	}

	if calls := atomic.LoadInt32(&upstream.txtCalls); calls != 2 {
		t.Errorf("expected the entry to expire, got %d calls", calls)
	}
}

func TestCachingResolver_Collapse(t *testing.T) {
	upstream := &countingResolver{
		txtRes: map[string][]string{"example.org": {"hello"}},
		block:  make(chan struct{}),
	}
	r := NewCachingResolver(upstream)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := r.LookupTXT(context.Background(), "example.org")
			if err != nil || len(res) != 1 {
				t.Errorf("lookup failed: %v %v", res, err)
			}
		}()
	}

	// Let all goroutines reach the singleflight barrier, then release the
	// single upstream call.
	time.Sleep(100 * time.Millisecond)
	close(upstream.block)
	wg.Wait()

	if calls := atomic.LoadInt32(&upstream.txtCalls); calls != 1 {
		t.Errorf("concurrent lookups were not collapsed: %d calls", calls)
	}
}
