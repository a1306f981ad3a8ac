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
	"math/rand"
	"net"
	"runtime/trace"
	"strings"

	"context"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-msgauth/authres"
	"github.com/foxcpp/ferrum/framework/future"
)

// fetchOutcome is the result of the async policy discovery.
type fetchOutcome struct {
	policyDomain string
	fromDomain   string
	record       *Record
	err          error
}

// Verifier wraps the state needed to evaluate the DMARC policy for a
// single message: the policy record is fetched in the background while
// the rest of the checks run, then Apply combines it with their
// SPF/DKIM results.
//
// The object cannot be reused for multiple messages.
type Verifier struct {
	resolver Resolver

	outcome     *future.Future // of fetchOutcome
	fetchCancel context.CancelFunc
}

func NewVerifier(r Resolver) *Verifier {
	return &Verifier{
		resolver: r,
	}
}

func (v *Verifier) Close() error {
	if v.fetchCancel != nil {
		v.fetchCancel()
	}
	return nil
}

// FetchRecord starts the policy lookup for the message From domain. It
// returns immediately; Apply blocks until the lookup completes.
func (v *Verifier) FetchRecord(ctx context.Context, header textproto.Header) {
	v.outcome = future.New()

	fromDomain, err := ExtractFromDomain(header)
	if err != nil {
		v.outcome.Set(fetchOutcome{err: err}, nil)
		return
	}

	ctx, v.fetchCancel = context.WithCancel(ctx)
	go func() {
		defer trace.StartRegion(ctx, "DMARC/FetchRecord").End()

		policyDomain, record, err := FetchRecord(ctx, v.resolver, fromDomain)
		v.outcome.Set(fetchOutcome{
			policyDomain: policyDomain,
			fromDomain:   fromDomain,
			record:       record,
			err:          err,
		}, nil)
	}()
}

// Apply combines the fetched policy record with the SPF and DKIM results
// and decides the action. FetchRecord must have been called before.
//
// The returned EvalResult carries the Authentication-Results entry for
// the message; the Policy return value is the action the caller should
// take. Temporary lookup errors are handled in the 'fail closed' manner:
// the policy is PolicyReject and EvalResult.Authres.Value is temperror so
// the caller can reply with a 4xx code.
//
// The pct= sampling relies on the math/rand default source.
func (v *Verifier) Apply(authRes []authres.Result) (EvalResult, Policy) {
	outcomeI, _ := v.outcome.Get()
	outcome := outcomeI.(fetchOutcome)

	if outcome.err != nil {
		return v.applyFetchError(outcome)
	}
	if outcome.record == nil {
		// No policy published.
		return EvalResult{
			Authres: authres.DMARCResult{
				Value: authres.ResultNone,
				From:  outcome.fromDomain,
			},
		}, PolicyNone
	}

	result := EvaluateAlignment(outcome.fromDomain, outcome.record, authRes)
	if result.Authres.Value == authres.ResultPass || result.Authres.Value == authres.ResultNone {
		return result, PolicyNone
	}

	// Apply pct= sampling to the failure disposition only.
	if pct := outcome.record.Percent; pct != nil && rand.Int31n(100) > int32(*pct) {
		return result, PolicyNone
	}

	policy := outcome.record.Policy
	if !strings.EqualFold(outcome.policyDomain, outcome.fromDomain) && outcome.record.SubdomainPolicy != "" {
		policy = outcome.record.SubdomainPolicy
	}

	return result, policy
}

func (v *Verifier) applyFetchError(outcome fetchOutcome) (EvalResult, Policy) {
	result := authres.DMARCResult{
		Value:  authres.ResultPermError,
		Reason: "Policy lookup failed: " + outcome.err.Error(),
		// May be empty; the field is simply omitted then.
		From: outcome.fromDomain,
	}

	if dnsErr, ok := outcome.err.(*net.DNSError); ok && dnsErr.Temporary() {
		// 'Fail closed': reject with a temporary code rather than let a
		// DNS outage turn into a policy bypass.
		result.Value = authres.ResultTempError
		return EvalResult{Authres: result}, PolicyReject
	}

	return EvalResult{Authres: result}, PolicyNone
}
