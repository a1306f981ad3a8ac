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

// Package future provides a single-assignment container for the result
// of an asynchronous operation.
package future

import (
	"context"
	"sync"
)

// Future holds a (value, error) pair that will be populated at some
// later point, allowing any number of waiters to block until it is.
//
// The zero value is not usable, construct with New. A Future must not be
// copied after first use.
type Future struct {
	set  chan struct{} // closed once the pair is assigned
	once sync.Once

	val interface{}
	err error
}

func New() *Future {
	return &Future{set: make(chan struct{})}
}

// Set assigns the (value, error) pair. All blocked and future Get calls
// observe it. Repeated Set calls are ignored.
func (f *Future) Set(val interface{}, err error) {
	if f == nil {
		panic("future: Set on nil object")
	}

	f.once.Do(func() {
		f.val = val
		f.err = err
		close(f.set)
	})
}

// Get blocks until the value is assigned and returns it.
func (f *Future) Get() (interface{}, error) {
	return f.GetContext(context.Background())
}

// GetContext is Get that gives up when the context is done, returning
// the context error.
func (f *Future) GetContext(ctx context.Context) (interface{}, error) {
	if f == nil {
		panic("future: Get on nil object")
	}

	select {
	case <-f.set:
		return f.val, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
