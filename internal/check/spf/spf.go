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

// Package spf implements the check.spf module performing sender policy
// (RFC 7208) verification of the connecting host.
//
// Policy evaluation itself (mechanism matching, include/redirect
// processing, the 10-lookup budget yielding permerror) is done by
// blitiri.com.ar/go/spf; this module decides what to do with the verdict.
// Unless enforce_early is set, the verdict is applied only once the
// header is available: if the From domain publishes an effective DMARC
// policy, the SPF result feeds DMARC alignment instead of being enforced
// on its own.
package spf

import (
	"context"
	"fmt"
	"net"
	"runtime/debug"
	"runtime/trace"

	"blitiri.com.ar/go/spf"
	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-msgauth/authres"
	"github.com/emersion/go-msgauth/dmarc"
	"github.com/foxcpp/ferrum/framework/address"
	"github.com/foxcpp/ferrum/framework/buffer"
	"github.com/foxcpp/ferrum/framework/config"
	modconfig "github.com/foxcpp/ferrum/framework/config/module"
	"github.com/foxcpp/ferrum/framework/dns"
	"github.com/foxcpp/ferrum/framework/exterrors"
	"github.com/foxcpp/ferrum/framework/future"
	"github.com/foxcpp/ferrum/framework/log"
	"github.com/foxcpp/ferrum/framework/module"
	ferrumdmarc "github.com/foxcpp/ferrum/internal/dmarc"
	"github.com/foxcpp/ferrum/internal/target"
	"golang.org/x/net/idna"
)

const modName = "check.spf"

type Check struct {
	instName     string
	enforceEarly bool

	// How to treat each possible evaluation outcome. Keyed by the
	// spf.Result constants.
	actions map[spf.Result]modconfig.FailAction

	log      log.Logger
	resolver dns.Resolver
}

func New(_, instName string, _, inlineArgs []string) (module.Module, error) {
	if len(inlineArgs) != 0 {
		return nil, fmt.Errorf("%s: inline arguments are not used", modName)
	}
	return &Check{
		instName: instName,
		log:      log.Logger{Name: modName},
		resolver: dns.NewCachingResolver(dns.DefaultResolver()),
	}, nil
}

func (c *Check) Name() string {
	return modName
}

func (c *Check) InstanceName() string {
	return c.instName
}

func (c *Check) Init(cfg *config.Map) error {
	c.actions = map[spf.Result]modconfig.FailAction{}

	actionDirective := func(name string, result spf.Result, dflt modconfig.FailAction) {
		c.actions[result] = dflt
		cfg.Callback(name, func(_ *config.Map, node config.Node) error {
			action, err := modconfig.ParseActionDirective(node.Args)
			if err != nil {
				return config.NodeErr(node, "%v", err)
			}
			c.actions[result] = action
			return nil
		})
	}

	cfg.Bool("debug", true, false, &c.log.Debug)
	cfg.Bool("enforce_early", true, false, &c.enforceEarly)
	actionDirective("none_action", spf.None, modconfig.FailAction{})
	actionDirective("neutral_action", spf.Neutral, modconfig.FailAction{})
	actionDirective("fail_action", spf.Fail, modconfig.FailAction{Quarantine: true})
	actionDirective("softfail_action", spf.SoftFail, modconfig.FailAction{})
	actionDirective("permerr_action", spf.PermError, modconfig.FailAction{})
	actionDirective("temperr_action", spf.TempError, modconfig.FailAction{})
	_, err := cfg.Process()
	return err
}

// verdictMeta is the static mapping of an SPF outcome to the authres
// value and the SMTP reply used when the configured action rejects it.
type verdictMeta struct {
	authres  authres.ResultValue
	code     int
	enchCode exterrors.EnhancedCode
	message  string
}

var verdicts = map[spf.Result]verdictMeta{
	spf.None: {
		authres: authres.ResultNone,
		code:    550, enchCode: exterrors.EnhancedCode{5, 7, 23},
		message: "No SPF policy",
	},
	spf.Neutral: {
		authres: authres.ResultNeutral,
		code:    550, enchCode: exterrors.EnhancedCode{5, 7, 23},
		message: "Neutral SPF result is not permitted",
	},
	spf.Pass: {
		authres: authres.ResultPass,
	},
	spf.Fail: {
		authres: authres.ResultFail,
		code:    550, enchCode: exterrors.EnhancedCode{5, 7, 23},
		message: "SPF authentication failed",
	},
	spf.SoftFail: {
		authres: authres.ResultSoftFail,
		code:    550, enchCode: exterrors.EnhancedCode{5, 7, 23},
		message: "SPF authentication soft-failed",
	},
	spf.TempError: {
		authres: authres.ResultTempError,
		code:    451, enchCode: exterrors.EnhancedCode{4, 7, 23},
		message: "SPF authentication failed with a temporary error",
	},
	spf.PermError: {
		authres: authres.ResultPermError,
		code:    550, enchCode: exterrors.EnhancedCode{5, 7, 23},
		message: "SPF authentication failed with a permanent error",
	},
}

type state struct {
	c       *Check
	msgMeta *module.MsgMetadata
	verdict *future.Future // of spfVerdict; nil if evaluation was skipped
	log     log.Logger
}

type spfVerdict struct {
	res spf.Result
	err error
}

func (c *Check) CheckStateForMsg(ctx context.Context, msgMeta *module.MsgMetadata) (module.CheckState, error) {
	return &state{
		c:       c,
		msgMeta: msgMeta,
		log:     target.DeliveryLogger(c.log, msgMeta),
	}, nil
}

// checkHostSender is the MAIL FROM address converted for use as the SPF
// subject per RFC 7208 Section 4.1 and RFC 8616 Section 4.
func checkHostSender(from string) (string, error) {
	malformed := &exterrors.SMTPError{
		Code:         550,
		EnhancedCode: exterrors.EnhancedCode{5, 1, 7},
		Message:      "Malformed address",
		CheckName:    modName,
	}

	mbox, domain, err := address.Split(from)
	if err != nil {
		return "", malformed
	}
	domain, err = idna.ToASCII(domain)
	if err != nil {
		return "", malformed
	}

	// The %{s} and %{l} macros never match non-ASCII values and the spf
	// library does not handle that on its own, so strip the local-part.
	if !address.IsASCII(mbox) {
		mbox = ""
	}

	return mbox + "@" + dns.FQDN(domain), nil
}

func (s *state) CheckConnection(ctx context.Context) module.CheckResult {
	defer trace.StartRegion(ctx, "check.spf/CheckConnection").End()

	if s.msgMeta.Conn == nil {
		s.log.Debugln("locally generated message, skipping")
		return module.CheckResult{}
	}
	ip, ok := s.msgMeta.Conn.RemoteAddr.(*net.TCPAddr)
	if !ok {
		s.log.Debugln("non-IP source address, skipping")
		return module.CheckResult{}
	}
	if s.msgMeta.OriginalFrom == "" {
		s.log.Debugln("null return path, skipping")
		return module.CheckResult{}
	}

	sender, err := checkHostSender(s.msgMeta.OriginalFrom)
	if err != nil {
		return module.CheckResult{Reject: true, Reason: err}
	}
	helo := dns.FQDN(s.msgMeta.Conn.Hostname)

	if s.c.enforceEarly {
		res, err := spf.CheckHostWithSender(ip.IP, helo, sender,
			spf.WithContext(ctx), spf.WithResolver(s.c.resolver))
		s.log.Debugf("result: %s (%v)", res, err)
		return s.apply(spfVerdict{res, err})
	}

	// Start the evaluation in parallel with the rest of the message
	// processing; CheckBody picks the verdict up once the header is known
	// and DMARC applicability can be determined.
	s.verdict = future.New()
	go func() {
		defer func() {
			if err := recover(); err != nil {
				stack := debug.Stack()
				log.Printf("panic during SPF evaluation: %v\n%s", err, stack)
				s.verdict.Set(nil, fmt.Errorf("%s: evaluation panic", modName))
			}
		}()
		defer trace.StartRegion(ctx, "check.spf/CheckConnection (Async)").End()

		res, err := spf.CheckHostWithSender(ip.IP, helo, sender,
			spf.WithContext(ctx), spf.WithResolver(s.c.resolver))
		s.log.Debugf("result: %s (%v)", res, err)
		s.verdict.Set(spfVerdict{res, err}, nil)
	}()

	return module.CheckResult{}
}

func (s *state) CheckSender(ctx context.Context, mailFrom string) module.CheckResult {
	return module.CheckResult{}
}

func (s *state) CheckRcpt(ctx context.Context, rcptTo string) module.CheckResult {
	return module.CheckResult{}
}

func (s *state) CheckBody(ctx context.Context, header textproto.Header, body buffer.Buffer) module.CheckResult {
	if s.verdict == nil {
		// Evaluation was either applied at the connection stage
		// (enforce_early) or skipped entirely.
		return module.CheckResult{}
	}

	defer trace.StartRegion(ctx, "check.spf/CheckBody").End()

	verdictI, err := s.verdict.GetContext(ctx)
	if err != nil {
		return module.CheckResult{
			Reject: true,
			Reason: exterrors.WithTemporary(
				exterrors.WithFields(err, map[string]interface{}{
					"check":    modName,
					"smtp_msg": "Internal error during policy check",
				}),
				true,
			),
		}
	}
	verdict := verdictI.(spfVerdict)

	if s.effectiveDMARCPolicy(ctx, header) {
		// Do not enforce the raw SPF result, DMARC alignment will decide.
		// Only the Authentication-Results contribution remains.
		if verdict.res != spf.Pass {
			s.log.Msg("deferring action due to a DMARC policy", "result", verdict.res, "err", verdict.err)
		}
		checkRes := s.apply(verdict)
		checkRes.Reject = false
		checkRes.Quarantine = false
		return checkRes
	}

	return s.apply(verdict)
}

// apply translates the evaluation outcome into the CheckResult, running
// the configured fail action for it.
func (s *state) apply(verdict spfVerdict) module.CheckResult {
	_, fromDomain, _ := address.Split(s.msgMeta.OriginalFrom)
	spfAuth := &authres.SPFResult{
		Value: authres.ResultNone,
		Helo:  s.msgMeta.Conn.Hostname,
		From:  fromDomain,
	}
	if verdict.err != nil {
		spfAuth.Reason = verdict.err.Error()
	} else if verdict.res == spf.None {
		spfAuth.Reason = "no policy"
	}

	meta, known := verdicts[verdict.res]
	if !known {
		return module.CheckResult{
			Reason: &exterrors.SMTPError{
				Code:         550,
				EnhancedCode: exterrors.EnhancedCode{4, 7, 23},
				Message:      fmt.Sprintf("Unknown SPF status: %s", verdict.res),
				CheckName:    modName,
				Err:          verdict.err,
			},
			AuthResult: []authres.Result{spfAuth},
		}
	}

	spfAuth.Value = meta.authres
	if verdict.res == spf.Pass {
		return module.CheckResult{AuthResult: []authres.Result{spfAuth}}
	}

	return s.c.actions[verdict.res].Apply(module.CheckResult{
		Reason: &exterrors.SMTPError{
			Code:         meta.code,
			EnhancedCode: meta.enchCode,
			Message:      meta.message,
			CheckName:    modName,
			Err:          verdict.err,
		},
		AuthResult: []authres.Result{spfAuth},
	})
}

// effectiveDMARCPolicy reports whether the header From domain publishes a
// DMARC policy that is not p=none, in which case the SPF verdict is left
// for the DMARC evaluation to consume.
func (s *state) effectiveDMARCPolicy(ctx context.Context, hdr textproto.Header) bool {
	fromDomain, err := ferrumdmarc.ExtractFromDomain(hdr)
	if err != nil {
		s.log.Error("DMARC domain extract", err)
		return false
	}

	policyDomain, record, err := ferrumdmarc.FetchRecord(ctx, s.c.resolver, fromDomain)
	if err != nil {
		s.log.Error("DMARC fetch", err, "from_domain", fromDomain)
		return false
	}
	if record == nil {
		return false
	}

	policy := record.Policy
	// fromDomain is either policyDomain itself or its subdomain (that is
	// how FetchRecord walks the tree), so non-equality means the
	// subdomain policy applies.
	if !dns.Equal(policyDomain, fromDomain) && record.SubdomainPolicy != "" {
		policy = record.SubdomainPolicy
	}

	return policy != dmarc.PolicyNone
}

func (s *state) Close() error {
	return nil
}

func init() {
	module.Register(modName, New)
}
