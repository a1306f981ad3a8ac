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

import "context"

// MultiLimit acquires several limiters as one: either all of them are
// taken (in the declaration order) or none. No deadlock avoidance is
// attempted, callers must use a consistent ordering themselves.
type MultiLimit struct {
	Wrapped []L
}

// unwind releases the first n acquired limiters after a failed
// acquisition further down the list.
func (ml *MultiLimit) unwind(n int) {
	for _, l := range ml.Wrapped[:n] {
		l.Release()
	}
}

func (ml *MultiLimit) Take() bool {
	for i, l := range ml.Wrapped {
		if !l.Take() {
			ml.unwind(i)
			return false
		}
	}
	return true
}

func (ml *MultiLimit) TakeContext(ctx context.Context) error {
	for i, l := range ml.Wrapped {
		if err := l.TakeContext(ctx); err != nil {
			ml.unwind(i)
			return err
		}
	}
	return nil
}

func (ml *MultiLimit) Release() {
	for _, l := range ml.Wrapped {
		l.Release()
	}
}

func (ml *MultiLimit) Close() {
	for _, l := range ml.Wrapped {
		l.Close()
	}
}
