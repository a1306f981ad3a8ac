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
	"strings"

	"golang.org/x/net/idna"
	"golang.org/x/text/unicode/norm"
)

// FQDN returns the name with the trailing dot added if it is missing.
func FQDN(domain string) string {
	if strings.HasSuffix(domain, ".") {
		return domain
	}
	return domain + "."
}

// ForLookup converts the domain into the canonical form for map lookups
// and comparisons: U-labels, NFC, case-folded, no trailing dot.
func ForLookup(domain string) (string, error) {
	uDomain, err := idna.ToUnicode(domain)
	if err != nil {
		return "", err
	}
	uDomain = strings.ToLower(norm.NFC.String(uDomain))
	return strings.TrimSuffix(uDomain, "."), nil
}

// Equal reports whether two domains are equivalent under IDN label
// equivalence (RFC 5890 Section 2.3.2.4).
//
// Malformed domains are never equal to anything, including themselves.
func Equal(domain1, domain2 string) bool {
	// Short-circuiting on domain1 == domain2 is not possible: a
	// malformed domain must not compare equal to itself.
	uDomain1, err := ForLookup(domain1)
	if err != nil {
		return false
	}
	uDomain2, err := ForLookup(domain2)
	if err != nil {
		return false
	}
	return uDomain1 == uDomain2
}
