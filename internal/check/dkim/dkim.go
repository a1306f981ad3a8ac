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

// Package dkim implements the check.dkim module performing verification
// of the DKIM signatures (RFC 6376) present on the message.
//
// Signature parsing, canonicalization and the cryptography are provided
// by go-msgauth; key records are fetched through the ferrum resolver so
// they are subject to the shared DNS cache. This module classifies the
// per-signature outcomes, enforces the required-field coverage rule and
// picks the resulting action.
package dkim

import (
	"context"
	"fmt"
	"io"
	nettextproto "net/textproto"
	"runtime/trace"
	"strings"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-msgauth/authres"
	"github.com/emersion/go-msgauth/dkim"
	"github.com/foxcpp/ferrum/framework/buffer"
	"github.com/foxcpp/ferrum/framework/config"
	modconfig "github.com/foxcpp/ferrum/framework/config/module"
	"github.com/foxcpp/ferrum/framework/dns"
	"github.com/foxcpp/ferrum/framework/exterrors"
	"github.com/foxcpp/ferrum/framework/log"
	"github.com/foxcpp/ferrum/framework/module"
	"github.com/foxcpp/ferrum/internal/target"
)

const modName = "check.dkim"

type Check struct {
	instName string
	log      log.Logger

	// Fields that must be covered by a signature for it to count as
	// "good". Keys are in the canonical MIME form.
	requiredFields  map[string]struct{}
	brokenSigAction modconfig.FailAction
	noSigAction     modconfig.FailAction
	failOpen        bool

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
	var requiredFields []string

	cfg.Bool("debug", true, false, &c.log.Debug)
	cfg.StringList("required_fields", false, false, []string{"From", "Subject"}, &requiredFields)
	cfg.Bool("fail_open", false, false, &c.failOpen)
	cfg.Custom("broken_sig_action", false, false,
		func() (interface{}, error) {
			return modconfig.FailAction{}, nil
		}, modconfig.FailActionDirective, &c.brokenSigAction)
	cfg.Custom("no_sig_action", false, false,
		func() (interface{}, error) {
			return modconfig.FailAction{}, nil
		}, modconfig.FailActionDirective, &c.noSigAction)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	c.requiredFields = make(map[string]struct{}, len(requiredFields))
	for _, field := range requiredFields {
		c.requiredFields[nettextproto.CanonicalMIMEHeaderKey(field)] = struct{}{}
	}

	return nil
}

type state struct {
	c       *Check
	msgMeta *module.MsgMetadata
	log     log.Logger
}

func (c *Check) CheckStateForMsg(ctx context.Context, msgMeta *module.MsgMetadata) (module.CheckState, error) {
	return &state{
		c:       c,
		msgMeta: msgMeta,
		log:     target.DeliveryLogger(c.log, msgMeta),
	}, nil
}

func (s *state) CheckConnection(ctx context.Context) module.CheckResult {
	return module.CheckResult{}
}

func (s *state) CheckSender(ctx context.Context, mailFrom string) module.CheckResult {
	return module.CheckResult{}
}

func (s *state) CheckRcpt(ctx context.Context, rcptTo string) module.CheckResult {
	return module.CheckResult{}
}

func (s *state) CheckBody(ctx context.Context, header textproto.Header, body buffer.Buffer) module.CheckResult {
	defer trace.StartRegion(ctx, "check.dkim/CheckBody").End()

	if !header.Has("DKIM-Signature") {
		return s.c.noSigAction.Apply(module.CheckResult{
			Reason: &exterrors.SMTPError{
				Code:         550,
				EnhancedCode: exterrors.EnhancedCode{5, 7, 20},
				Message:      "No DKIM signatures",
				CheckName:    modName,
			},
			AuthResult: []authres.Result{
				&authres.DKIMResult{Value: authres.ResultNone},
			},
		})
	}

	verifications, err := s.verify(ctx, header, body)
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

	res := module.CheckResult{AuthResult: make([]authres.Result, 0, len(verifications))}
	goodSigs := 0
	for _, verif := range verifications {
		sigRes, tempErr := s.classify(verif)
		if tempErr && !s.c.failOpen {
			return module.CheckResult{
				Reject: true,
				Reason: &exterrors.SMTPError{
					Code:         421,
					EnhancedCode: exterrors.EnhancedCode{4, 7, 20},
					Message:      "Temporary error during DKIM verification",
					CheckName:    modName,
					Err:          verif.Err,
				},
			}
		}

		if sigRes.Value == authres.ResultPass {
			goodSigs++
		}
		res.AuthResult = append(res.AuthResult, sigRes)
	}

	if goodSigs == 0 {
		res.Reason = &exterrors.SMTPError{
			Code:         550,
			EnhancedCode: exterrors.EnhancedCode{5, 7, 20},
			Message:      "No passing DKIM signatures",
			CheckName:    modName,
		}
		return s.c.brokenSigAction.Apply(res)
	}
	return res
}

// verify reconstructs the message stream and runs the signature
// verification with key lookups going through the ferrum resolver.
func (s *state) verify(ctx context.Context, header textproto.Header, body buffer.Buffer) ([]*dkim.Verification, error) {
	bodyRdr, err := body.Open()
	if err != nil {
		return nil, err
	}
	defer bodyRdr.Close()

	hdrWriter := strings.Builder{}
	if err := textproto.WriteHeader(&hdrWriter, header); err != nil {
		return nil, err
	}

	return dkim.VerifyWithOptions(
		io.MultiReader(strings.NewReader(hdrWriter.String()), bodyRdr),
		&dkim.VerifyOptions{
			LookupTXT: func(domain string) ([]string, error) {
				return s.c.resolver.LookupTXT(ctx, domain)
			},
		})
}

// classify maps a single verification outcome to its
// Authentication-Results entry. tempErr indicates a DNS-level problem
// that the fail_open setting decides on.
func (s *state) classify(verif *dkim.Verification) (res *authres.DKIMResult, tempErr bool) {
	sigRes := &authres.DKIMResult{
		Domain:     verif.Domain,
		Identifier: verif.Identifier,
	}

	if verif.Err != nil {
		sigRes.Value = authres.ResultFail
		sigRes.Reason = strings.TrimPrefix(verif.Err.Error(), "dkim: ")
		switch {
		case dkim.IsTempFail(verif.Err):
			sigRes.Value = authres.ResultTempError
			return sigRes, true
		case dkim.IsPermFail(verif.Err):
			sigRes.Value = authres.ResultPermError
		}
		s.log.DebugMsg("bad signature", "domain", verif.Domain, "identifier", verif.Identifier, "reason", sigRes.Reason)
		return sigRes, false
	}

	// A valid signature that does not cover the fields we require is
	// worthless for our purposes, count it as policy failure.
	covered := make(map[string]struct{}, len(verif.HeaderKeys))
	for _, field := range verif.HeaderKeys {
		covered[nettextproto.CanonicalMIMEHeaderKey(field)] = struct{}{}
	}
	for field := range s.c.requiredFields {
		if _, ok := covered[field]; !ok {
			sigRes.Value = authres.ResultPolicy
			sigRes.Reason = "some header fields are not signed"
			return sigRes, false
		}
	}

	sigRes.Value = authres.ResultPass
	return sigRes, false
}

func (s *state) Close() error {
	return nil
}

func init() {
	module.Register(modName, New)
}
