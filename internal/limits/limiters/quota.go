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

var ErrQuotaExceeded = errors.New("limiters: quota exceeded")

// Quota is a rolling-window usage counter: it permits up to maxCount
// Take calls (optionally accounting up to maxBytes via TakeBytes) within
// the window. Unlike Rate, exceeding the quota does not block the caller,
// it fails immediately.
//
// If maxCount = 0, all methods are no-op and always succeed.
type Quota struct {
	mu          sync.Mutex
	maxCount    int
	maxBytes    int64
	window      time.Duration
	windowStart time.Time
	usedCount   int
	usedBytes   int64
}

func NewQuota(maxCount int, maxBytes int64, window time.Duration) *Quota {
	return &Quota{
		maxCount:    maxCount,
		maxBytes:    maxBytes,
		window:      window,
		windowStart: time.Now(),
	}
}

func (q *Quota) roll() {
	if time.Since(q.windowStart) > q.window {
		q.windowStart = time.Now()
		q.usedCount = 0
		q.usedBytes = 0
	}
}

// TakeBytes accounts a message of the specified size against the quota.
func (q *Quota) TakeBytes(bytes int64) bool {
	if q.maxCount == 0 {
		return true
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.roll()

	if q.usedCount+1 > q.maxCount {
		return false
	}
	if q.maxBytes != 0 && q.usedBytes+bytes > q.maxBytes {
		return false
	}
	q.usedCount++
	q.usedBytes += bytes
	return true
}

func (q *Quota) Take() bool {
	return q.TakeBytes(0)
}

func (q *Quota) TakeContext(ctx context.Context) error {
	if !q.Take() {
		return ErrQuotaExceeded
	}
	return nil
}

// Release undoes one Take. It is used for the best-effort rollback when a
// later pipeline stage rejects the message.
func (q *Quota) Release() {
	if q.maxCount == 0 {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.usedCount > 0 {
		q.usedCount--
	}
}

func (q *Quota) Close() {
}
