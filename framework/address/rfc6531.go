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
	"errors"

	"golang.org/x/net/idna"
	"golang.org/x/text/unicode/norm"
)

// ErrUnicodeMailbox is returned by ToASCII for addresses whose local-part
// cannot be downgraded: unlike the domain, it has no ACE form.
var ErrUnicodeMailbox = errors.New("address: cannot convert the Unicode local-part to the ACE form")

// mapAddrDomain splits the address and runs the domain part through
// convert, reassembling the result. On error the original address is
// returned together with it so callers can pass the value through.
func mapAddrDomain(addr string, fallback func(string) string, convert func(domain string) (string, error)) (string, error) {
	mbox, domain, err := Split(addr)
	if err != nil {
		return fallback(addr), err
	}
	if domain == "" {
		return mbox, nil
	}

	domain, err = convert(domain)
	if err != nil {
		return fallback(addr), err
	}
	return mbox + "@" + domain, nil
}

func asIs(addr string) string { return addr }

// ToASCII converts the domain of the address to the A-labels form and
// fails with ErrUnicodeMailbox when the local-part itself is non-ASCII.
func ToASCII(addr string) (string, error) {
	return mapAddrDomain(addr, asIs, func(domain string) (string, error) {
		mbox, _, _ := Split(addr)
		if !IsASCII(mbox) {
			return "", ErrUnicodeMailbox
		}
		return idna.ToASCII(domain)
	})
}

// ToUnicode converts the domain of the address to the U-labels form,
// NFC-normalized.
func ToUnicode(addr string) (string, error) {
	return mapAddrDomain(addr, norm.NFC.String, func(domain string) (string, error) {
		uDomain, err := idna.ToUnicode(domain)
		if err != nil {
			return "", err
		}
		return norm.NFC.String(uDomain), nil
	})
}

// SelectIDNA picks the representation conversion based on whether the
// session negotiated SMTPUTF8: ToUnicode when it did, ToASCII otherwise.
func SelectIDNA(ulabel bool, addr string) (string, error) {
	if ulabel {
		return ToUnicode(addr)
	}
	return ToASCII(addr)
}
