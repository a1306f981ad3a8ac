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
	"errors"
	"sync"
	"time"
)

var ErrClosed = errors.New("limiters: closed")

// Rate is a token-bucket rate limiter: up to burstSize Take calls may
// proceed per interval, subsequent ones block until the bucket refills
// at the next interval boundary.
//
// If burstSize = 0, all methods are no-op and always succeed (but Close
// still invalidates the limiter).
type Rate struct {
	burst    int
	interval time.Duration

	mu          sync.Mutex
	tokens      int
	windowStart time.Time

	closed chan struct{}
}

func NewRate(burstSize int, interval time.Duration) *Rate {
	return &Rate{
		burst:       burstSize,
		interval:    interval,
		tokens:      burstSize,
		windowStart: time.Now(),
		closed:      make(chan struct{}),
	}
}

// tryTake consumes a token if one is available, otherwise it reports
// when the bucket refills.
func (r *Rate) tryTake() (ok bool, refillAt time.Time, err error) {
	select {
	case <-r.closed:
		return false, time.Time{}, ErrClosed
	default:
	}

	if r.burst == 0 {
		return true, time.Time{}, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if elapsed := now.Sub(r.windowStart); elapsed >= r.interval {
		r.tokens = r.burst
		r.windowStart = r.windowStart.Add(elapsed.Truncate(r.interval))
	}

	if r.tokens > 0 {
		r.tokens--
		return true, time.Time{}, nil
	}
	return false, r.windowStart.Add(r.interval), nil
}

func (r *Rate) TakeContext(ctx context.Context) error {
	for {
		ok, refillAt, err := r.tryTake()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		timer := time.NewTimer(time.Until(refillAt))
		select {
		case <-timer.C:
		case <-r.closed:
			timer.Stop()
			return ErrClosed
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

func (r *Rate) Take() bool {
	return r.TakeContext(context.Background()) == nil
}

func (r *Rate) Release() {
}

// Close wakes up all blocked Take calls and makes all further ones fail.
func (r *Rate) Close() {
	close(r.closed)
}
