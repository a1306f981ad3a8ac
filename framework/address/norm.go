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

// Package address implements parsing, normalization and validation of
// the email addresses as defined by RFC 5321 and extended by RFC 6531.
package address

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/foxcpp/ferrum/framework/dns"
	"golang.org/x/net/idna"
	"golang.org/x/text/secure/precis"
	"golang.org/x/text/unicode/norm"
)

// ForLookup converts the address into the canonical form usable for map
// lookups and direct comparisons: the local-part is NFC-normalized and
// case-folded, the domain goes through dns.ForLookup.
//
// If Equal(a, b), then ForLookup(a) == ForLookup(b).
//
// On error, the case-folded original is returned alongside it.
func ForLookup(addr string) (string, error) {
	mbox, domain, err := Split(addr)
	if err != nil {
		return strings.ToLower(addr), err
	}

	mbox = strings.ToLower(norm.NFC.String(mbox))
	if domain == "" {
		return mbox, nil
	}

	domain, err = dns.ForLookup(domain)
	if err != nil {
		return strings.ToLower(addr), err
	}
	return mbox + "@" + domain, nil
}

// CleanDomain converts the domain part of the address into the
// canonical U-labels form: punycode decoded, NFC-normalized and
// case-folded. The local-part is left untouched.
//
// On error, the original value is returned alongside it.
func CleanDomain(addr string) (string, error) {
	mbox, domain, err := Split(addr)
	if err != nil {
		return addr, err
	}
	if domain == "" {
		return mbox, nil
	}

	uDomain, err := idna.ToUnicode(domain)
	if err != nil {
		return addr, err
	}
	uDomain = strings.ToLower(norm.NFC.String(uDomain))

	return mbox + "@" + uDomain, nil
}

// Equal reports whether two addresses are equivalent: IDN label
// equivalence (RFC 5890 Section 2.3.2.4) for the domain and canonical
// equivalence (UAX #15) of the lowercased local-part.
//
// Malformed addresses compare as case-folded byte strings.
func Equal(addr1, addr2 string) bool {
	// Bit-identical values are always equivalent, skip the conversions.
	if addr1 == addr2 {
		return true
	}

	uAddr1, _ := ForLookup(addr1)
	uAddr2, _ := ForLookup(addr2)
	return uAddr1 == uAddr2
}

func IsASCII(s string) bool {
	for _, ch := range s {
		if ch >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

func FQDNDomain(addr string) string {
	if strings.HasSuffix(addr, ".") {
		return addr
	}
	return addr + "."
}

// PRECISFold normalizes the address using the UsernameCaseMapped
// profile for the local-part and dns.ForLookup for the domain.
func PRECISFold(addr string) (string, error) {
	return precisEmail(addr, precis.UsernameCaseMapped)
}

// PRECIS is PRECISFold with the case-preserving profile.
func PRECIS(addr string) (string, error) {
	return precisEmail(addr, precis.UsernameCasePreserved)
}

// precisEmail is a local policy matter, not a general address rule: the
// PRECIS profiles reduce the set of acceptable values below what is a
// valid address, which is why this is separate from ForLookup.
func precisEmail(addr string, profile *precis.Profile) (string, error) {
	mbox, domain, err := Split(addr)
	if err != nil {
		return "", fmt.Errorf("address: precis: %w", err)
	}

	// For the used profiles there is no practical difference between
	// CompareKey and String.
	mbox, err = profile.CompareKey(mbox)
	if err != nil {
		return "", fmt.Errorf("address: precis: %w", err)
	}

	domain, err = dns.ForLookup(domain)
	if err != nil {
		return "", fmt.Errorf("address: precis: %w", err)
	}

	return mbox + "@" + domain, nil
}
