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
	"context"
	"net"
	"strconv"
	"time"

	"github.com/foxcpp/ferrum/framework/log"
	"github.com/miekg/dns"
)

type TLSA = dns.TLSA

// ExtResolver is the DNSSEC-aware stub resolver built on miekg/dns. Its
// value over net.Resolver is access to the AD (authenticated data) flag
// of responses, required for the DANE and DNSSEC delivery policies.
//
// The AD flag is trusted only when the configured resolver runs on a
// loopback address: over any other transport it could have been altered
// in transit.
type ExtResolver struct {
	cl  *dns.Client
	Cfg *dns.ClientConfig
}

// RCodeError is returned by ExtResolver when the response RCODE is not
// NOERROR.
type RCodeError struct {
	Name string
	Code int
}

func (err RCodeError) Temporary() bool {
	return err.Code == dns.RcodeServerFailure
}

func (err RCodeError) Error() string {
	rcode, ok := map[int]string{
		dns.RcodeFormatError:    "FORMERR",
		dns.RcodeServerFailure:  "SERVFAIL",
		dns.RcodeNameError:      "NXDOMAIN",
		dns.RcodeNotImplemented: "NOTIMP",
		dns.RcodeRefused:        "REFUSED",
	}[err.Code]
	if !ok {
		return "dns: non-success rcode: " + strconv.Itoa(err.Code) + " when looking up " + err.Name
	}
	return "dns: rcode " + rcode + " when looking up " + err.Name
}

// IsNotFound reports whether the error is an authoritative "no such
// name" answer, from either resolver implementation.
func IsNotFound(err error) bool {
	if dnsErr, ok := err.(*net.DNSError); ok {
		return dnsErr.IsNotFound
	}
	if rcodeErr, ok := err.(RCodeError); ok {
		return rcodeErr.Code == dns.RcodeNameError
	}
	return false
}

func isLoopback(addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}

// query sends a single DNSSEC-requesting question for (name, qtype) and
// returns the response, trying the configured servers in order.
func (e ExtResolver) query(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(name, qtype)
	msg.SetEdns0(4096, false)
	msg.AuthenticatedData = true

	var (
		resp    *dns.Msg
		lastErr error
	)
	for _, srv := range e.Cfg.Servers {
		resp, _, lastErr = e.cl.ExchangeContext(ctx, msg, net.JoinHostPort(srv, e.Cfg.Port))
		if lastErr != nil {
			continue
		}

		if resp.Rcode != dns.RcodeSuccess {
			lastErr = RCodeError{name, resp.Rcode}
			continue
		}

		if !isLoopback(srv) {
			resp.AuthenticatedData = false
		}
		return resp, nil
	}
	return resp, lastErr
}

// answers collects the RRs of the wanted type from the response, handing
// each to collect.
func answers(resp *dns.Msg, collect func(rr dns.RR)) {
	for _, rr := range resp.Answer {
		collect(rr)
	}
}

func (e ExtResolver) AuthLookupAddr(ctx context.Context, addr string) (ad bool, names []string, err error) {
	revAddr, err := dns.ReverseAddr(addr)
	if err != nil {
		return false, nil, err
	}

	resp, err := e.query(ctx, revAddr, dns.TypePTR)
	if err != nil {
		return false, nil, err
	}

	answers(resp, func(rr dns.RR) {
		if ptr, ok := rr.(*dns.PTR); ok {
			names = append(names, ptr.Ptr)
		}
	})
	return resp.AuthenticatedData, names, nil
}

func (e ExtResolver) AuthLookupHost(ctx context.Context, host string) (ad bool, addrs []string, err error) {
	ad, ipAddrs, err := e.AuthLookupIPAddr(ctx, host)
	if err != nil {
		return false, nil, err
	}

	addrs = make([]string, 0, len(ipAddrs))
	for _, addr := range ipAddrs {
		addrs = append(addrs, addr.String())
	}
	return ad, addrs, nil
}

func (e ExtResolver) AuthLookupMX(ctx context.Context, name string) (ad bool, mxs []*net.MX, err error) {
	resp, err := e.query(ctx, dns.Fqdn(name), dns.TypeMX)
	if err != nil {
		return false, nil, err
	}

	answers(resp, func(rr dns.RR) {
		if mx, ok := rr.(*dns.MX); ok {
			mxs = append(mxs, &net.MX{Host: mx.Mx, Pref: mx.Preference})
		}
	})
	return resp.AuthenticatedData, mxs, nil
}

func (e ExtResolver) AuthLookupTXT(ctx context.Context, name string) (ad bool, recs []string, err error) {
	resp, err := e.query(ctx, dns.Fqdn(name), dns.TypeTXT)
	if err != nil {
		return false, nil, err
	}

	answers(resp, func(rr dns.RR) {
		if txt, ok := rr.(*dns.TXT); ok {
			joined := ""
			for _, part := range txt.Txt {
				joined += part
			}
			recs = append(recs, joined)
		}
	})
	return resp.AuthenticatedData, recs, nil
}

func (e ExtResolver) AuthLookupTLSA(ctx context.Context, service, network, domain string) (ad bool, recs []TLSA, err error) {
	name, err := dns.TLSAName(domain, service, network)
	if err != nil {
		return false, nil, err
	}

	resp, err := e.query(ctx, dns.Fqdn(name), dns.TypeTLSA)
	if err != nil {
		return false, nil, err
	}

	answers(resp, func(rr dns.RR) {
		if tlsa, ok := rr.(*dns.TLSA); ok {
			recs = append(recs, *tlsa)
		}
	})
	return resp.AuthenticatedData, recs, nil
}

func (e ExtResolver) AuthLookupCNAME(ctx context.Context, host string) (ad bool, cname string, err error) {
	resp, err := e.query(ctx, dns.Fqdn(host), dns.TypeCNAME)
	if err != nil {
		return false, "", err
	}

	answers(resp, func(rr dns.RR) {
		if cnameRR, ok := rr.(*dns.CNAME); ok && cname == "" {
			cname = cnameRR.Target
		}
	})
	return resp.AuthenticatedData, cname, nil
}

// CheckCNAMEAD determines the final (canonical) name of the host and
// whether the whole CNAME chain and the final zone are signed. It is
// used by DANE lookups (RFC 7672 Section 2.2.2).
//
// If the host has neither A nor AAAA records, rname is empty.
func (e ExtResolver) CheckCNAMEAD(ctx context.Context, host string) (ad bool, rname string, err error) {
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		resp, err := e.query(ctx, dns.Fqdn(host), qtype)
		if err != nil {
			continue
		}
		answers(resp, func(rr dns.RR) {
			switch rr.(type) {
			case *dns.A, *dns.AAAA:
				rname = rr.Header().Name
				// Use the AD flag of the same response that named rname.
				ad = resp.AuthenticatedData
			}
		})
		if rname != "" {
			break
		}
	}
	return ad, rname, nil
}

// AuthLookupIPAddr merges the AAAA and A lookups the way the DANE code
// needs: if the AD status of the two RRsets is inconsistent (it happens
// in practice), only the authenticated family is returned and ad
// reflects the A lookup.
func (e ExtResolver) AuthLookupIPAddr(ctx context.Context, host string) (ad bool, addrs []net.IPAddr, err error) {
	v6ad, v6addrs, v6err := e.lookupFamily(ctx, host, dns.TypeAAAA)
	if v6err != nil {
		log.DefaultLogger.Error("Network I/O error during AAAA lookup", v6err, "host", host)
	}

	v4ad, v4addrs, v4err := e.lookupFamily(ctx, host, dns.TypeA)
	if v4err != nil {
		if v6err != nil {
			return false, nil, v4err
		}
		// Disregard the A lookup error if AAAA worked out.
		log.DefaultLogger.Error("Network I/O error during A lookup, using AAAA records", v4err, "host", host)
		v4addrs = nil
	}

	switch {
	case v6ad == v4ad:
		addrs = append(addrs, v6addrs...)
		addrs = append(addrs, v4addrs...)
	case v4ad:
		// Unauthenticated AAAA RRset alongside an authenticated A one:
		// drop the AAAA records.
		addrs = append(addrs, v4addrs...)
	case v6ad:
		addrs = append(addrs, v6addrs...)
		addrs = append(addrs, v4addrs...)
	}
	return v4ad, addrs, nil
}

func (e ExtResolver) lookupFamily(ctx context.Context, host string, qtype uint16) (ad bool, addrs []net.IPAddr, err error) {
	resp, err := e.query(ctx, dns.Fqdn(host), qtype)
	if err != nil {
		return false, nil, err
	}

	answers(resp, func(rr dns.RR) {
		switch rr := rr.(type) {
		case *dns.A:
			addrs = append(addrs, net.IPAddr{IP: rr.A})
		case *dns.AAAA:
			addrs = append(addrs, net.IPAddr{IP: rr.AAAA})
		}
	})
	return resp.AuthenticatedData, addrs, nil
}

// NewExtResolver creates the ExtResolver using the system resolver
// configuration (/etc/resolv.conf).
func NewExtResolver() (*ExtResolver, error) {
	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return nil, err
	}

	if overrideServ != "" && overrideServ != "system-default" {
		host, port, err := net.SplitHostPort(overrideServ)
		if err != nil {
			panic(err)
		}
		cfg.Servers = []string{host}
		cfg.Port = port
	}

	if len(cfg.Servers) == 0 {
		cfg.Servers = []string{"127.0.0.1"}
	}

	cl := new(dns.Client)
	cl.Dialer = &net.Dialer{
		Timeout: time.Duration(cfg.Timeout) * time.Second,
	}
	return &ExtResolver{
		cl:  cl,
		Cfg: cfg,
	}, nil
}
