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

package dmarc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/mail"
	"strings"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-msgauth/authres"
	"github.com/emersion/go-msgauth/dmarc"
	"github.com/foxcpp/ferrum/framework/address"
	"github.com/foxcpp/ferrum/framework/dns"
	"golang.org/x/net/publicsuffix"
)

// lookupPolicyTXT fetches the _dmarc TXT records of the domain,
// treating NXDOMAIN as an empty set.
func lookupPolicyTXT(ctx context.Context, r Resolver, domain string) ([]string, error) {
	txts, err := r.LookupTXT(ctx, dns.FQDN("_dmarc."+domain))
	if err != nil {
		if dnsErr, ok := err.(*net.DNSError); ok && dnsErr.IsNotFound {
			return nil, nil
		}
		return nil, err
	}
	return txts, nil
}

// FetchRecord discovers the DMARC record for the RFC5322.From domain per
// RFC 7489 Section 6.6.3: the domain itself first, then its
// organizational domain. policyDomain reports where the record was
// actually found.
//
// (nil, nil) means "no policy published"; that also covers the
// multiple-records case which RFC 7489 treats as no policy.
func FetchRecord(ctx context.Context, r Resolver, fromDomain string) (policyDomain string, rec *Record, err error) {
	policyDomain = fromDomain
	txts, err := lookupPolicyTXT(ctx, r, fromDomain)
	if err != nil {
		return "", nil, err
	}

	if len(txts) == 0 {
		orgDomain, err := publicsuffix.EffectiveTLDPlusOne(fromDomain)
		if err != nil {
			return "", nil, err
		}

		policyDomain = orgDomain
		txts, err = lookupPolicyTXT(ctx, r, orgDomain)
		if err != nil {
			return "", nil, err
		}
		if len(txts) == 0 {
			return "", nil, nil
		}
	}

	// Ignore the TXT records that are not DMARC policies.
	var policy string
	for _, txt := range txts {
		if !strings.HasPrefix(txt, "v=DMARC1") {
			continue
		}
		if policy != "" {
			// Multiple records: no policy applies.
			return "", nil, nil
		}
		policy = txt
	}
	if policy == "" {
		return "", nil, nil
	}

	rec, err = dmarc.Parse(policy)
	return policyDomain, rec, err
}

type EvalResult struct {
	// The Authentication-Results field generated by the DMARC check.
	Authres authres.DMARCResult

	// The SPF result considered during the alignment check. May be
	// empty.
	SPFResult authres.SPFResult

	// Whether the HELO or MAIL FROM identity aligned with RFC5322.From.
	SPFAligned bool

	// The result of the aligned DKIM signature; if none aligned, the
	// first signature is reported for reference. May be empty.
	DKIMResult authres.DKIMResult

	// Whether any DKIM signature d= aligned with RFC5322.From.
	DKIMAligned bool
}

// alignmentScan is the working state of EvaluateAlignment accumulated
// over the upstream authentication results.
type alignmentScan struct {
	fromDomain string
	record     *Record

	res EvalResult

	dkimPresent  bool
	dkimTempFail bool
}

func (sc *alignmentScan) takeDKIM(dkimRes *authres.DKIMResult) {
	sc.dkimPresent = true

	// Report the result of the aligned signature; pick the first one as
	// the fallback reference otherwise.
	if sc.res.DKIMResult.Value == "" {
		sc.res.DKIMResult = *dkimRes
	}
	if !isAligned(sc.fromDomain, dkimRes.Domain, sc.record.DKIMAlignment) {
		return
	}

	sc.res.DKIMResult = *dkimRes
	switch dkimRes.Value {
	case authres.ResultPass:
		sc.res.DKIMAligned = true
	case authres.ResultTempError:
		sc.dkimTempFail = true
	}
}

func (sc *alignmentScan) takeSPF(spfRes *authres.SPFResult) {
	sc.res.SPFResult = *spfRes

	checkedID := spfRes.From
	if checkedID == "" {
		checkedID = spfRes.Helo
	}
	if isAligned(sc.fromDomain, checkedID, sc.record.SPFAlignment) && spfRes.Value == authres.ResultPass {
		sc.res.SPFAligned = true
	}
}

// verdict computes the final DMARC result from the scan state.
func (sc *alignmentScan) verdict() EvalResult {
	dmarcRes := &sc.res.Authres
	dmarcRes.From = sc.fromDomain

	switch {
	case !sc.dkimPresent || sc.res.SPFResult.Value == "":
		dmarcRes.Value = authres.ResultNone
		dmarcRes.Reason = "Not enough information (required checks are disabled)"
		dmarcRes.From = sc.fromDomain

	case sc.dkimTempFail && !sc.res.DKIMAligned && !sc.res.SPFAligned:
		// The aligned signature may be among the temp-failed ones, no
		// verdict can be made.
		dmarcRes.Value = authres.ResultTempError
		dmarcRes.Reason = "DKIM authentication temp error"

	case !sc.res.DKIMAligned && sc.res.SPFResult.Value == authres.ResultTempError:
		// Same, for the SPF side.
		dmarcRes.Value = authres.ResultTempError
		dmarcRes.Reason = "SPF authentication temp error"

	case sc.res.DKIMAligned || sc.res.SPFAligned:
		dmarcRes.Value = authres.ResultPass

	default:
		dmarcRes.Value = authres.ResultFail
		dmarcRes.Reason = "No aligned identifiers"
	}
	return sc.res
}

// EvaluateAlignment checks whether the identifiers authenticated by SPF
// and DKIM align with RFC5322.From, per RFC 7489 Section 3.1.
//
// The returned EvalResult carries the Authentication-Results entry plus
// the trace information used for reporting and troubleshooting.
func EvaluateAlignment(fromDomain string, record *Record, results []authres.Result) EvalResult {
	scan := alignmentScan{fromDomain: fromDomain, record: record}

	for _, res := range results {
		switch res := res.(type) {
		case *authres.DKIMResult:
			scan.takeDKIM(res)
		case *authres.SPFResult:
			scan.takeSPF(res)
		}
	}

	return scan.verdict()
}

// isAligned implements the identifier alignment test: exact match in
// the strict mode, a shared organizational domain in the relaxed one.
func isAligned(fromDomain, authDomain string, mode AlignmentMode) bool {
	if mode == dmarc.AlignmentStrict {
		return strings.EqualFold(fromDomain, authDomain)
	}

	orgDomainFrom, err := publicsuffix.EffectiveTLDPlusOne(fromDomain)
	if err != nil {
		return false
	}
	orgDomainAuth, err := publicsuffix.EffectiveTLDPlusOne(authDomain)
	if err != nil {
		return false
	}

	return strings.EqualFold(orgDomainFrom, orgDomainAuth)
}

// ExtractFromDomain returns the domain of the (single) RFC5322.From
// address of the message, the identifier DMARC protects.
func ExtractFromDomain(hdr textproto.Header) (string, error) {
	var firstFrom string
	for fields := hdr.FieldsByKey("From"); fields.Next(); {
		if firstFrom != "" {
			return "", errors.New("dmarc: multiple From header fields are not allowed")
		}
		firstFrom = fields.Value()
	}
	if firstFrom == "" {
		return "", errors.New("dmarc: missing From header field")
	}

	hdrFromList, err := mail.ParseAddressList(firstFrom)
	if err != nil {
		return "", fmt.Errorf("dmarc: malformed From header field: %s", strings.TrimPrefix(err.Error(), "mail: "))
	}
	if len(hdrFromList) > 1 {
		return "", errors.New("dmarc: multiple addresses in From field are not allowed")
	}
	if len(hdrFromList) == 0 {
		return "", errors.New("dmarc: missing address in From field")
	}

	_, domain, err := address.Split(hdrFromList[0].Address)
	if err != nil {
		return "", fmt.Errorf("dmarc: malformed From header field: %w", err)
	}
	return domain, nil
}
