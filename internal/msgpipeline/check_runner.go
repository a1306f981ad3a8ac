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

package msgpipeline

import (
	"context"
	"net"
	"runtime/debug"
	"sync"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-msgauth/authres"
	"github.com/foxcpp/ferrum/framework/buffer"
	"github.com/foxcpp/ferrum/framework/dns"
	"github.com/foxcpp/ferrum/framework/exterrors"
	"github.com/foxcpp/ferrum/framework/log"
	"github.com/foxcpp/ferrum/framework/module"
	"github.com/foxcpp/ferrum/internal/dmarc"
)

// checkRunner executes groups of checks for one message, making sure
// every check module gets exactly one state object no matter how many
// blocks it appears in, and that late-instantiated states observe the
// same command sequence as the early ones.
type checkRunner struct {
	msgMeta          *module.MsgMetadata
	mailFrom         string
	mailFromReceived bool

	// Recipients the existing states have already seen, replayed into
	// states created later (a check referenced only by a per-recipient
	// block comes to life in the middle of the transaction).
	seenRcpts    []string
	perStateSeen map[module.CheckState]map[string]struct{}
	seenRcptsLck sync.Mutex

	resolver      dns.Resolver
	doDMARC       bool
	didDMARCFetch bool
	dmarcVerify   *dmarc.Verifier
	dmarcReporter module.DMARCReportCollector

	log log.Logger

	states map[module.Check]module.CheckState

	merged module.CheckResult
}

func newCheckRunner(msgMeta *module.MsgMetadata, log log.Logger, r dns.Resolver) *checkRunner {
	return &checkRunner{
		msgMeta:      msgMeta,
		perStateSeen: map[module.CheckState]map[string]struct{}{},
		log:          log,
		resolver:     r,
		dmarcVerify:  dmarc.NewVerifier(r),
		states:       make(map[module.Check]module.CheckState),
	}
}

// rcptOnce calls CheckRcpt unless this state already saw the recipient.
func (cr *checkRunner) rcptOnce(ctx context.Context, s module.CheckState, rcpt string) module.CheckResult {
	cr.seenRcptsLck.Lock()
	if _, ok := cr.perStateSeen[s][rcpt]; ok {
		cr.seenRcptsLck.Unlock()
		return module.CheckResult{}
	}
	if cr.perStateSeen[s] == nil {
		cr.perStateSeen[s] = make(map[string]struct{})
	}
	cr.perStateSeen[s][rcpt] = struct{}{}
	cr.seenRcptsLck.Unlock()

	return s.CheckRcpt(ctx, rcpt)
}

// statesFor returns the state objects for the checks, creating and
// catching up the missing ones.
func (cr *checkRunner) statesFor(ctx context.Context, checks []module.Check) ([]module.CheckState, error) {
	states := make([]module.CheckState, 0, len(checks))
	created := make([]module.CheckState, 0, len(checks))
	createdFor := make(map[module.Check]module.CheckState, len(checks))

	closeCreated := func() {
		for _, state := range created {
			state.Close()
		}
	}

	for _, check := range checks {
		if state, ok := cr.states[check]; ok {
			states = append(states, state)
			continue
		}

		cr.log.Debugf("initializing state for %v (%p)", objectName(check), check)
		state, err := check.CheckStateForMsg(ctx, cr.msgMeta)
		if err != nil {
			closeCreated()
			return nil, err
		}
		states = append(states, state)
		created = append(created, state)
		createdFor[check] = state
	}

	if len(created) == 0 {
		return states, nil
	}

	// Replay the already-executed stages for the new states so all of
	// them see the complete command sequence.
	if cr.mailFromReceived {
		if err := cr.run(created, func(s module.CheckState) module.CheckResult {
			return s.CheckConnection(ctx)
		}); err != nil {
			closeCreated()
			return nil, err
		}
		if err := cr.run(created, func(s module.CheckState) module.CheckResult {
			return s.CheckSender(ctx, cr.mailFrom)
		}); err != nil {
			closeCreated()
			return nil, err
		}
	}

	for _, rcpt := range cr.seenRcpts {
		rcpt := rcpt
		if err := cr.run(states, func(s module.CheckState) module.CheckResult {
			return cr.rcptOnce(ctx, s, rcpt)
		}); err != nil {
			closeCreated()
			return nil, err
		}
	}

	// Register the new states only after everything that can fail, so
	// there is nothing to unregister in error paths.
	for check, state := range createdFor {
		cr.states[check] = state
	}

	return states, nil
}

// resultMerger folds concurrent CheckResults into the runner state. The
// first reject wins; quarantine verdicts are sticky but do not stop the
// message.
type resultMerger struct {
	authResLck sync.Mutex
	headerLck  sync.Mutex

	quarantineOnce sync.Once
	quarantineErr  error

	rejectOnce sync.Once
	rejectErr  error
}

func (rm *resultMerger) fold(cr *checkRunner, res module.CheckResult) {
	if len(res.AuthResult) != 0 {
		rm.authResLck.Lock()
		cr.merged.AuthResult = append(cr.merged.AuthResult, res.AuthResult...)
		rm.authResLck.Unlock()
	}
	if res.Header.Len() != 0 {
		rm.headerLck.Lock()
		for field := res.Header.Fields(); field.Next(); {
			formatted, err := field.Raw()
			if err != nil {
				cr.log.Error("malformed header field added by check", err)
				continue
			}
			cr.merged.Header.AddRaw(formatted)
		}
		rm.headerLck.Unlock()
	}

	switch {
	case res.Quarantine:
		rm.quarantineOnce.Do(func() {
			rm.quarantineErr = res.Reason
		})
	case res.Reject:
		rm.rejectOnce.Do(func() {
			rm.rejectErr = res.Reason
		})
	case res.Reason != nil:
		// 'action ignore': there is a Reason but neither flag is set.
		// Log it for deployment testing purposes.
		cr.log.Error("no check action", res.Reason)
	}
}

// run executes fn for all states concurrently and merges the outcomes.
func (cr *checkRunner) run(states []module.CheckState, fn func(module.CheckState) module.CheckResult) error {
	rm := resultMerger{}
	var wg sync.WaitGroup

	for _, state := range states {
		state := state
		wg.Add(1)
		go func() {
			defer func() {
				wg.Done()
				if err := recover(); err != nil {
					stack := debug.Stack()
					log.Printf("panic during check execution: %v\n%s", err, stack)
				}
			}()

			rm.fold(cr, fn(state))
		}()
	}
	wg.Wait()

	if rm.rejectErr != nil {
		return rm.rejectErr
	}
	if rm.quarantineErr != nil {
		cr.log.Error("quarantined", rm.quarantineErr)
		cr.merged.Quarantine = true
	}
	return nil
}

func (cr *checkRunner) checkConnSender(ctx context.Context, checks []module.Check, mailFrom string) error {
	cr.mailFrom = mailFrom
	cr.mailFromReceived = true

	// statesFor replays CheckConnection and CheckSender for new states.
	_, err := cr.statesFor(ctx, checks)
	return err
}

func (cr *checkRunner) checkRcpt(ctx context.Context, checks []module.Check, rcptTo string) error {
	states, err := cr.statesFor(ctx, checks)
	if err != nil {
		return err
	}

	err = cr.run(states, func(s module.CheckState) module.CheckResult {
		return cr.rcptOnce(ctx, s, rcptTo)
	})

	cr.seenRcpts = append(cr.seenRcpts, rcptTo)
	return err
}

func (cr *checkRunner) checkBody(ctx context.Context, checks []module.Check, header textproto.Header, body buffer.Buffer) error {
	states, err := cr.statesFor(ctx, checks)
	if err != nil {
		return err
	}

	if cr.doDMARC && !cr.didDMARCFetch {
		cr.dmarcVerify.FetchRecord(ctx, header)
		cr.didDMARCFetch = true
	}

	return cr.run(states, func(s module.CheckState) module.CheckResult {
		return s.CheckBody(ctx, header, body)
	})
}

// applyResults applies the DMARC verdict and writes the accumulated
// Authentication-Results and check-added fields into the header.
func (cr *checkRunner) applyResults(hostname string, header *textproto.Header) error {
	if cr.merged.Quarantine {
		cr.msgMeta.Quarantine = true
	}

	if cr.doDMARC {
		if err := cr.applyDMARC(header); err != nil {
			return err
		}
	}

	if len(cr.merged.AuthResult) != 0 {
		header.Add("Authentication-Results", authres.Format(hostname, cr.merged.AuthResult))
	}

	for field := cr.merged.Header.Fields(); field.Next(); {
		formatted, err := field.Raw()
		if err != nil {
			cr.log.Error("malformed header field added by check", err)
			continue
		}
		header.AddRaw(formatted)
	}
	return nil
}

func (cr *checkRunner) applyDMARC(header *textproto.Header) error {
	dmarcRes, policy := cr.dmarcVerify.Apply(cr.merged.AuthResult)
	cr.merged.AuthResult = append(cr.merged.AuthResult, &dmarcRes.Authres)
	cr.reportDMARC(dmarcRes, policy, *header)

	switch policy {
	case dmarc.PolicyReject:
		code := 550
		enchCode := exterrors.EnhancedCode{5, 7, 1}
		if dmarcRes.Authres.Value == authres.ResultTempError {
			code = 450
			enchCode[0] = 4
		}
		return &exterrors.SMTPError{
			Code:         code,
			EnhancedCode: enchCode,
			Message:      "DMARC check failed",
			CheckName:    "dmarc",
			Misc: map[string]interface{}{
				"reason":      dmarcRes.Authres.Reason,
				"dkim_res":    dmarcRes.DKIMResult.Value,
				"dkim_domain": dmarcRes.DKIMResult.Domain,
				"spf_res":     dmarcRes.SPFResult.Value,
				"spf_from":    dmarcRes.SPFResult.From,
			},
		}
	case dmarc.PolicyQuarantine:
		cr.msgMeta.Quarantine = true
		// Mimic the message structure used for regular checks.
		cr.log.Msg("quarantined", "reason", dmarcRes.Authres.Reason, "check", "dmarc")
	}
	return nil
}

// reportDMARC hands the evaluation outcome to the configured aggregate
// report collector, if any.
func (cr *checkRunner) reportDMARC(res dmarc.EvalResult, policy dmarc.Policy, header textproto.Header) {
	if cr.dmarcReporter == nil || res.Authres.From == "" {
		return
	}

	disposition := "none"
	switch policy {
	case dmarc.PolicyQuarantine:
		disposition = "quarantine"
	case dmarc.PolicyReject:
		disposition = "reject"
	}

	ev := module.DMARCEvaluation{
		FromDomain:  res.Authres.From,
		Disposition: disposition,
		DKIMResult:  string(res.DKIMResult.Value),
		DKIMDomain:  res.DKIMResult.Domain,
		SPFResult:   string(res.SPFResult.Value),
		SPFDomain:   res.SPFResult.From,
		DKIMAligned: res.DKIMAligned,
		SPFAligned:  res.SPFAligned,
	}
	if ev.SPFDomain == "" {
		ev.SPFDomain = res.SPFResult.Helo
	}
	if cr.msgMeta.Conn != nil && cr.msgMeta.Conn.RemoteAddr != nil {
		if tcpAddr, ok := cr.msgMeta.Conn.RemoteAddr.(*net.TCPAddr); ok {
			ev.SourceIP = tcpAddr.IP.String()
		}
	}

	cr.dmarcReporter.RecordDMARCEvaluation(ev, header)
}

func (cr *checkRunner) close() {
	cr.dmarcVerify.Close()
	for _, state := range cr.states {
		state.Close()
	}
}
