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

package address

import (
	"strings"

	"golang.org/x/net/idna"
)

// Valid reports whether the string is usable as an email address per
// RFC 5321 (with the RFC 6531 Unicode extensions).
func Valid(addr string) bool {
	// 320, not 255 - see RFC 3696 (as amended by its errata).
	if len(addr) > 320 {
		return false
	}

	mbox, domain, err := Split(addr)
	if err != nil {
		return false
	}

	// Only the special postmaster form has no domain; it is valid.
	if domain == "" {
		return true
	}

	return ValidMailboxName(mbox) && ValidDomain(domain)
}

// atextSpecials are the printable ASCII characters permitted in a
// dot-string local-part besides letters and digits ('.' included here
// since the dot-string grammar is not enforced beyond it).
const atextSpecials = "!#$%&'*+-/=?^_`{|}~."

// ValidMailboxName reports whether the string is usable as the
// local-part of an address (the part before the at-sign).
func ValidMailboxName(mbox string) bool {
	if strings.HasPrefix(mbox, `"`) {
		raw, err := UnquoteMbox(mbox)
		if err != nil {
			return false
		}

		// The quoted form permits any printable ASCII plus space;
		// RFC 6531 extends that to arbitrary Unicode. Only control
		// characters remain forbidden.
		for _, ch := range raw {
			if ch < ' ' || ch == 0x7F /* DEL */ {
				return false
			}
		}
		return true
	}

	// The bare form permits ASCII letters, digits and the atext
	// specials; RFC 6531 adds arbitrary non-ASCII on top.
	for _, ch := range mbox {
		switch {
		case ch >= 'a' && ch <= 'z':
		case ch >= 'A' && ch <= 'Z':
		case ch >= '0' && ch <= '9':
		case ch > 0x7F: // RFC 6531 Unicode
		case strings.ContainsRune(atextSpecials, ch):
		default:
			return false
		}
	}
	return true
}

// ValidDomain reports whether the string is usable as a DNS domain.
func ValidDomain(domain string) bool {
	switch {
	case domain == "", len(domain) > 255:
		return false
	case strings.HasPrefix(domain, "."), strings.Contains(domain, ".."):
		return false
	}

	// Label length limits are defined in terms of the A-labels form;
	// ferrum uses U-labels representation across the code (for lookups,
	// etc), so convert before checking.
	domainASCII, err := idna.ToASCII(domain)
	if err != nil {
		return false
	}
	for _, label := range strings.Split(domainASCII, ".") {
		if len(label) > 64 {
			return false
		}
	}

	return true
}
