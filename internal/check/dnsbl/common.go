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

package dnsbl

import (
	"context"
	"net"
	"strconv"
	"strings"

	"github.com/foxcpp/ferrum/framework/dns"
	"github.com/foxcpp/ferrum/framework/exterrors"
)

// ListedErr is the "identity is listed" outcome of a single list query.
// It flows as an error value so list lookups compose with I/O failures.
type ListedErr struct {
	Identity string
	List     string
	Reason   string
}

func (le ListedErr) Fields() map[string]interface{} {
	return map[string]interface{}{
		"check":           "dnsbl",
		"list":            le.List,
		"listed_identity": le.Identity,
		"reason":          le.Reason,
		"smtp_code":       554,
		"smtp_enchcode":   exterrors.EnhancedCode{5, 7, 0},
		"smtp_msg":        "Client identity listed in the used DNSBL",
	}
}

func (le ListedErr) Error() string {
	return le.Identity + " is listed in the used DNSBL"
}

// listedReason fetches the TXT explanation of a listing, falling back to
// the A-record values (many lists map them to predefined meanings).
// Multi-reason lists (meta-lists like Spamhaus Zen) are joined with
// "; " to keep them readable.
func listedReason(ctx context.Context, resolver dns.Resolver, query string, fallback []string) string {
	txts, err := resolver.LookupTXT(ctx, query)
	if err != nil || len(txts) == 0 {
		return strings.Join(fallback, "; ")
	}
	return strings.Join(txts, "; ")
}

// notFound reports whether the lookup error is the "not listed" answer.
func notFound(err error) bool {
	dnsErr, ok := err.(*net.DNSError)
	return ok && dnsErr.IsNotFound
}

// checkDomain queries the list zone for a domain-name identity (EHLO or
// MAIL FROM domain).
func checkDomain(ctx context.Context, resolver dns.Resolver, cfg List, domain string) error {
	query := domain + "." + cfg.Zone

	addrs, err := resolver.LookupHost(ctx, query)
	switch {
	case err != nil && notFound(err):
		return nil
	case err != nil:
		return err
	case len(addrs) == 0:
		return nil
	}

	return ListedErr{
		Identity: domain,
		List:     cfg.Zone,
		Reason:   listedReason(ctx, resolver, query, addrs),
	}
}

// checkIP queries the list zone for the client address, respecting the
// per-family toggles and the configured response whitelist.
func checkIP(ctx context.Context, resolver dns.Resolver, cfg List, ip net.IP) error {
	ipv6 := ip.To4() == nil
	if ipv6 && !cfg.ClientIPv6 {
		return nil
	}
	if !ipv6 && !cfg.ClientIPv4 {
		return nil
	}

	query := queryString(ip) + "." + cfg.Zone

	addrs, err := resolver.LookupIPAddr(ctx, query)
	switch {
	case err != nil && notFound(err):
		return nil
	case err != nil:
		return err
	}

	// Ignore response addresses outside of the configured ranges: lists
	// use them for "not listed but" style of indications (and parked
	// domains produce wildcard junk).
	matched := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		if len(cfg.Responses) == 0 {
			matched = append(matched, addr.IP.String())
			continue
		}
		for _, respNet := range cfg.Responses {
			if respNet.Contains(addr.IP) {
				matched = append(matched, addr.IP.String())
				break
			}
		}
	}
	if len(matched) == 0 {
		return nil
	}

	return ListedErr{
		Identity: ip.String(),
		List:     cfg.Zone,
		Reason:   listedReason(ctx, resolver, query, matched),
	}
}

// queryString converts the IP into the reversed nibble/octet form used
// as the DNSxL query label (RFC 5782 Section 2).
func queryString(ip net.IP) string {
	var res strings.Builder

	if ipv4 := ip.To4(); ipv4 != nil {
		res.Grow(len("000.000.000.000"))
		for i := len(ipv4) - 1; i >= 0; i-- {
			res.WriteString(strconv.Itoa(int(ipv4[i])))
			if i != 0 {
				res.WriteByte('.')
			}
		}
		return res.String()
	}

	res.Grow(len(ip)*4 - 1)
	for i := len(ip) - 1; i >= 0; i-- {
		res.WriteString(strconv.FormatInt(int64(ip[i]&0xf), 16))
		res.WriteByte('.')
		res.WriteString(strconv.FormatInt(int64(ip[i]>>4), 16))
		if i != 0 {
			res.WriteByte('.')
		}
	}
	return res.String()
}
