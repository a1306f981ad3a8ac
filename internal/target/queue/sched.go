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

package queue

import (
	"container/heap"
	"sync"
	"time"

	"github.com/foxcpp/ferrum/framework/module"
)

// Slot is the value stored in the scheduler heap. Kind distinguishes
// regular delivery events from lease-expiry checks.
type Slot struct {
	Time     time.Time
	Priority module.Priority
	ID       uint64

	// LeaseCheck marks the slot as a lease-expiry probe instead of a
	// delivery event.
	LeaseCheck bool
}

type slotHeap []Slot

func (h slotHeap) Len() int { return len(h) }

func (h slotHeap) Less(i, j int) bool {
	if !h[i].Time.Equal(h[j].Time) {
		return h[i].Time.Before(h[j].Time)
	}
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].ID < h[j].ID
}

func (h slotHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *slotHeap) Push(x interface{}) { *h = append(*h, x.(Slot)) }

func (h *slotHeap) Pop() interface{} {
	old := *h
	n := len(old)
	s := old[n-1]
	*h = old[:n-1]
	return s
}

// fireLeeway is the amount of time by which an event is allowed to fire
// early. Sleeping for sub-leeway intervals is pointless, the timer
// granularity of the underlying platform is not much better.
const fireLeeway = 100 * time.Millisecond

// Scheduler dispatches queue slots at their scheduled time, earliest (and
// then highest-priority) first.
//
// The dispatch callback should not block for a long time, it is called
// from the timer goroutine.
type Scheduler struct {
	dispatch func(Slot)

	mu       sync.Mutex
	h        slotHeap
	updated  chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

func NewScheduler(dispatch func(Slot)) *Scheduler {
	s := &Scheduler{
		dispatch: dispatch,
		updated:  make(chan struct{}, 1),
		stopped:  make(chan struct{}),
	}
	go s.loop()
	return s
}

// Add schedules the slot. Slots with a timestamp in the past are
// dispatched immediately (on the scheduler goroutine).
func (s *Scheduler) Add(slot Slot) {
	s.mu.Lock()
	heap.Push(&s.h, slot)
	s.mu.Unlock()

	select {
	case s.updated <- struct{}{}:
	default:
	}
}

func (s *Scheduler) Close() {
	s.stopOnce.Do(func() {
		close(s.stopped)
	})
}

func (s *Scheduler) loop() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		s.mu.Lock()
		var wait time.Duration
		now := time.Now()
		for len(s.h) != 0 {
			next := s.h[0]
			if next.Time.After(now.Add(fireLeeway)) {
				break
			}
			heap.Pop(&s.h)
			s.mu.Unlock()
			s.dispatch(next)
			s.mu.Lock()
			now = time.Now()
		}
		if len(s.h) == 0 {
			wait = time.Hour
		} else {
			wait = time.Until(s.h[0].Time)
		}
		s.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-timer.C:
		case <-s.updated:
		case <-s.stopped:
			return
		}
	}
}
