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

// Package dns implements the DNS-consistency checks of the client
// identity:
//
//   - require_matching_rdns: the forward-confirmed reverse DNS check
//     (iprev in Authentication-Results terms),
//   - require_mx_record: the MAIL FROM domain must be routable back,
//   - require_matching_ehlo: the EHLO name must resolve to the client
//     address.
package dns

import (
	"net"
	"strings"

	"github.com/emersion/go-msgauth/authres"
	"github.com/foxcpp/ferrum/framework/address"
	modconfig "github.com/foxcpp/ferrum/framework/config/module"
	"github.com/foxcpp/ferrum/framework/dns"
	"github.com/foxcpp/ferrum/framework/exterrors"
	"github.com/foxcpp/ferrum/framework/module"
	"github.com/foxcpp/ferrum/internal/check"
)

// policyFail builds a permanent policy violation result.
func policyFail(checkName, message string) module.CheckResult {
	return module.CheckResult{
		Reason: &exterrors.SMTPError{
			Code:         550,
			EnhancedCode: exterrors.EnhancedCode{5, 7, 25},
			Message:      message,
			CheckName:    checkName,
		},
	}
}

// dnsFail wraps a resolution failure, deriving temporariness from it.
func dnsFail(checkName string, err error) module.CheckResult {
	reason, misc := exterrors.UnwrapDNSErr(err)
	return module.CheckResult{
		Reason: &exterrors.SMTPError{
			Code:         exterrors.SMTPCode(err, 450, 550),
			EnhancedCode: exterrors.SMTPEnchCode(err, exterrors.EnhancedCode{0, 7, 25}),
			Message:      "DNS error during policy check",
			CheckName:    checkName,
			Err:          err,
			Reason:       reason,
			Misc:         misc,
		},
	}
}

// iprevResult contributes the iprev method entry to
// Authentication-Results (RFC 8601 Section 2.7.3).
func iprevResult(value authres.ResultValue) []authres.Result {
	return []authres.Result{&authres.GenericResult{
		Method: "iprev",
		Value:  value,
	}}
}

// requireMatchingRDNS verifies that the PTR name of the client address
// matches the EHLO hostname. The PTR lookup itself was started when the
// session was created, here its (forward-confirmed) result is consumed.
func requireMatchingRDNS(ctx check.StatelessCheckContext) module.CheckResult {
	if ctx.MsgMeta.Conn == nil {
		ctx.Logger.Msg("locally-generated message, skipping")
		return module.CheckResult{}
	}
	if ctx.MsgMeta.Conn.RDNSName == nil {
		ctx.Logger.Msg("rDNS lookup is disabled, skipping")
		return module.CheckResult{}
	}

	rdnsNameI, err := ctx.MsgMeta.Conn.RDNSName.Get()
	if err != nil {
		res := dnsFail("require_matching_rdns", err)
		res.AuthResult = iprevResult(authres.ResultTempError)
		return res
	}
	if rdnsNameI == nil {
		res := policyFail("require_matching_rdns", "No PTR record found")
		res.AuthResult = iprevResult(authres.ResultFail)
		return res
	}

	rdnsName := strings.TrimSuffix(rdnsNameI.(string), ".")
	srcDomain := strings.TrimSuffix(ctx.MsgMeta.Conn.Hostname, ".")

	if !dns.Equal(rdnsName, srcDomain) {
		res := policyFail("require_matching_rdns", "rDNS name does not match source hostname")
		res.AuthResult = iprevResult(authres.ResultFail)
		return res
	}

	ctx.Logger.Debugf("PTR record %s matches source domain, OK", rdnsName)
	return module.CheckResult{
		AuthResult: iprevResult(authres.ResultPass),
	}
}

// requireMXRecord verifies that the MAIL FROM domain publishes usable MX
// records, i.e. that a bounce could be sent back.
func requireMXRecord(ctx check.StatelessCheckContext, mailFrom string) module.CheckResult {
	if mailFrom == "" {
		// The null reverse-path of bounces is always permitted.
		return module.CheckResult{}
	}

	_, domain, err := address.Split(mailFrom)
	if err != nil || domain == "" {
		return module.CheckResult{
			Reason: &exterrors.SMTPError{
				Code:         501,
				EnhancedCode: exterrors.EnhancedCode{5, 1, 8},
				Message:      "Malformed sender address",
				CheckName:    "require_mx_record",
				Err:          err,
			},
		}
	}

	srcMx, err := ctx.Resolver.LookupMX(ctx, domain)
	if err != nil {
		return dnsFail("require_mx_record", err)
	}

	nullMX := len(srcMx) == 1 && srcMx[0].Host == "."
	switch {
	case len(srcMx) == 0:
		return module.CheckResult{
			Reason: &exterrors.SMTPError{
				Code:         501,
				EnhancedCode: exterrors.EnhancedCode{5, 7, 27},
				Message:      "Domain in MAIL FROM does not have any MX records",
				CheckName:    "require_mx_record",
			},
		}
	case nullMX:
		// RFC 7505: a single "." MX explicitly denies mail service.
		return module.CheckResult{
			Reason: &exterrors.SMTPError{
				Code:         501,
				EnhancedCode: exterrors.EnhancedCode{5, 7, 27},
				Message:      "Domain in MAIL FROM has null MX record",
				CheckName:    "require_mx_record",
			},
		}
	}

	return module.CheckResult{}
}

// ehloLiteralMatches handles the address-literal form of EHLO.
func ehloLiteralMatches(literal string, srcIP net.IP) module.CheckResult {
	raw := strings.TrimPrefix(literal[1:len(literal)-1], "IPv6:")
	ehloIP := net.ParseIP(raw)
	if ehloIP == nil {
		return policyFail("require_matching_ehlo", "Malformed IP in EHLO")
	}
	if !ehloIP.Equal(srcIP) {
		return policyFail("require_matching_ehlo", "IP in EHLO is not the same as the actual client IP")
	}
	return module.CheckResult{}
}

// requireMatchingEHLO verifies that the EHLO argument resolves (or, for
// address literals, is equal) to the client address.
func requireMatchingEHLO(ctx check.StatelessCheckContext) module.CheckResult {
	if ctx.MsgMeta.Conn == nil {
		ctx.Logger.Msg("locally-generated message, skipping")
		return module.CheckResult{}
	}
	tcpAddr, ok := ctx.MsgMeta.Conn.RemoteAddr.(*net.TCPAddr)
	if !ok {
		ctx.Logger.Msg("non-TCP/IP source, skipping")
		return module.CheckResult{}
	}

	ehlo := ctx.MsgMeta.Conn.Hostname
	if strings.HasPrefix(ehlo, "[") && strings.HasSuffix(ehlo, "]") {
		return ehloLiteralMatches(ehlo, tcpAddr.IP)
	}

	srcIPs, err := ctx.Resolver.LookupIPAddr(ctx, dns.FQDN(ehlo))
	if err != nil {
		return dnsFail("require_matching_ehlo", err)
	}

	for _, ip := range srcIPs {
		if tcpAddr.IP.Equal(ip.IP) {
			ctx.Logger.Debugf("A/AAAA record found for %s for %s domain", tcpAddr.IP, ehlo)
			return module.CheckResult{}
		}
	}
	return policyFail("require_matching_ehlo", "No matching A/AAAA records found for the EHLO hostname")
}

func init() {
	check.RegisterStatelessCheck("require_matching_rdns", modconfig.FailAction{Quarantine: true},
		requireMatchingRDNS, nil, nil, nil)
	check.RegisterStatelessCheck("require_mx_record", modconfig.FailAction{Quarantine: true},
		nil, requireMXRecord, nil, nil)
	check.RegisterStatelessCheck("require_matching_ehlo", modconfig.FailAction{Quarantine: true},
		requireMatchingEHLO, nil, nil, nil)
}
