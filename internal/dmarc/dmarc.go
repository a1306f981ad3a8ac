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

// Package dmarc implements parsing, fetching and evaluation of the DMARC
// policies (RFC 7489) based on the go-msgauth record parser.
package dmarc

import (
	"context"

	"github.com/emersion/go-msgauth/dmarc"
)

type (
	Record        = dmarc.Record
	AlignmentMode = dmarc.AlignmentMode
	Policy        = dmarc.Policy
)

const (
	PolicyNone       = dmarc.PolicyNone
	PolicyQuarantine = dmarc.PolicyQuarantine
	PolicyReject     = dmarc.PolicyReject
)

// Resolver is the subset of dns.Resolver used by this package.
type Resolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
}
