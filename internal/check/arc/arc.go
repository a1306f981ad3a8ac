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

// Package arc implements the check.arc module performing validation of
// the Authenticated Received Chain (RFC 8617).
//
// The chain validation status (cv) is computed as follows: the set
// structure is checked (contiguous instances, all three fields per
// instance, valid cv values), the newest ARC-Message-Signature is
// verified against the message and every ARC-Seal is verified over its
// chain prefix. Any hard failure yields cv=fail; DNS problems during the
// key lookup yield a temporary error.
package arc

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"runtime/trace"
	"sort"
	"strconv"
	"strings"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-msgauth/authres"
	"github.com/foxcpp/ferrum/framework/buffer"
	"github.com/foxcpp/ferrum/framework/config"
	modconfig "github.com/foxcpp/ferrum/framework/config/module"
	"github.com/foxcpp/ferrum/framework/dns"
	"github.com/foxcpp/ferrum/framework/exterrors"
	"github.com/foxcpp/ferrum/framework/log"
	"github.com/foxcpp/ferrum/framework/module"
	"github.com/foxcpp/ferrum/internal/target"
)

const modName = "check.arc"

// Maximum chain length, per RFC 8617 Section 5.2.
const maxInstance = 50

type Check struct {
	instName string
	log      log.Logger

	brokenChainAction modconfig.FailAction

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
	cfg.Bool("debug", true, false, &c.log.Debug)
	cfg.Custom("broken_chain_action", false, false,
		func() (interface{}, error) {
			return modconfig.FailAction{}, nil
		}, modconfig.FailActionDirective, &c.brokenChainAction)
	_, err := cfg.Process()
	return err
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

// arcSet is one instance of the ARC header field triple.
type arcSet struct {
	instance int

	sealRaw string // complete raw ARC-Seal field value
	amsRaw  string
	aarRaw  string

	seal map[string]string
	ams  map[string]string
}

func (s *state) CheckBody(ctx context.Context, header textproto.Header, body buffer.Buffer) module.CheckResult {
	defer trace.StartRegion(ctx, "check.arc/CheckBody").End()

	sets, err := collectSets(header)
	if err != nil {
		return s.failRes("fail", err, 0)
	}
	if len(sets) == 0 {
		return module.CheckResult{
			AuthResult: []authres.Result{&authres.GenericResult{
				Method: "arc",
				Value:  authres.ResultNone,
			}},
		}
	}

	cv, err := s.validateChain(ctx, sets, header, body)
	if err != nil {
		if exterrors.IsTemporary(err) {
			return module.CheckResult{
				Reject: true,
				Reason: &exterrors.SMTPError{
					Code:         451,
					EnhancedCode: exterrors.EnhancedCode{4, 7, 29},
					Message:      "Temporary error during ARC verification",
					CheckName:    modName,
					Err:          err,
				},
				AuthResult: []authres.Result{&authres.GenericResult{
					Method: "arc",
					Value:  authres.ResultTempError,
				}},
			}
		}
		return s.failRes(cv, err, len(sets))
	}

	s.log.DebugMsg("chain valid", "sets", len(sets))
	return module.CheckResult{
		AuthResult: []authres.Result{&authres.GenericResult{
			Method: "arc",
			Value:  authres.ResultPass,
			Params: map[string]string{
				"oldest-pass": "0",
			},
		}},
	}
}

func (s *state) failRes(cv string, err error, setCount int) module.CheckResult {
	s.log.DebugMsg("chain invalid", "reason", err, "sets", setCount)
	return s.c.brokenChainAction.Apply(module.CheckResult{
		Reason: &exterrors.SMTPError{
			Code:         550,
			EnhancedCode: exterrors.EnhancedCode{5, 7, 29},
			Message:      "ARC chain validation failed",
			CheckName:    modName,
			Err:          err,
		},
		AuthResult: []authres.Result{&authres.GenericResult{
			Method: "arc",
			Value:  authres.ResultFail,
			Params: map[string]string{
				"reason": err.Error(),
			},
		}},
	})
}

// collectSets gathers and structurally validates the ARC sets present in
// the header.
func collectSets(header textproto.Header) ([]*arcSet, error) {
	byInstance := map[int]*arcSet{}

	get := func(instance int) *arcSet {
		if byInstance[instance] == nil {
			byInstance[instance] = &arcSet{instance: instance}
		}
		return byInstance[instance]
	}

	parseInto := func(kind string) error {
		for fields := header.FieldsByKey(kind); fields.Next(); {
			value := fields.Value()
			tags := tagMap(value)
			i, err := strconv.Atoi(tags["i"])
			if err != nil || i < 1 || i > maxInstance {
				return fmt.Errorf("arc: invalid instance number in %s", kind)
			}
			set := get(i)
			switch kind {
			case "ARC-Seal":
				if set.sealRaw != "" {
					return fmt.Errorf("arc: duplicate ARC-Seal i=%d", i)
				}
				set.sealRaw = value
				set.seal = tags
			case "ARC-Message-Signature":
				if set.amsRaw != "" {
					return fmt.Errorf("arc: duplicate ARC-Message-Signature i=%d", i)
				}
				set.amsRaw = value
				set.ams = tags
			case "ARC-Authentication-Results":
				if set.aarRaw != "" {
					return fmt.Errorf("arc: duplicate ARC-Authentication-Results i=%d", i)
				}
				set.aarRaw = value
			}
		}
		return nil
	}

	for _, kind := range []string{"ARC-Seal", "ARC-Message-Signature", "ARC-Authentication-Results"} {
		if err := parseInto(kind); err != nil {
			return nil, err
		}
	}

	if len(byInstance) == 0 {
		return nil, nil
	}

	sets := make([]*arcSet, 0, len(byInstance))
	for _, set := range byInstance {
		sets = append(sets, set)
	}
	sort.Slice(sets, func(i, j int) bool {
		return sets[i].instance < sets[j].instance
	})

	// Instances must be contiguous starting from 1, each with the
	// complete triple.
	for indx, set := range sets {
		if set.instance != indx+1 {
			return nil, fmt.Errorf("arc: non-contiguous chain, missing i=%d", indx+1)
		}
		if set.sealRaw == "" || set.amsRaw == "" || set.aarRaw == "" {
			return nil, fmt.Errorf("arc: incomplete set i=%d", set.instance)
		}
	}

	return sets, nil
}

func (s *state) validateChain(ctx context.Context, sets []*arcSet, header textproto.Header, body buffer.Buffer) (cv string, err error) {
	// Check the cv chain: i=1 must carry cv=none, all others cv=pass.
	for _, set := range sets {
		cv := set.seal["cv"]
		switch {
		case set.instance == 1 && cv != "none":
			return "fail", fmt.Errorf("arc: wrong cv for i=1: %s", cv)
		case set.instance != 1 && cv != "pass":
			return "fail", fmt.Errorf("arc: wrong cv for i=%d: %s", set.instance, cv)
		}
	}

	// Verify the newest ARC-Message-Signature against the message.
	newest := sets[len(sets)-1]
	if err := s.verifyAMS(ctx, newest, header, body); err != nil {
		return "fail", err
	}

	// Verify every seal over its chain prefix.
	for _, set := range sets {
		if err := s.verifySeal(ctx, sets, set); err != nil {
			return "fail", err
		}
	}

	return "pass", nil
}

func (s *state) fetchKey(ctx context.Context, tags map[string]string) (*pubKey, error) {
	selector := tags["s"]
	domain := tags["d"]
	if selector == "" || domain == "" {
		return nil, fmt.Errorf("arc: missing s= or d= tag")
	}

	txts, err := s.c.resolver.LookupTXT(ctx, selector+"._domainkey."+domain)
	if err != nil {
		if dnsErr, ok := err.(*net.DNSError); ok && dnsErr.IsNotFound {
			return nil, errNoKey
		}
		return nil, exterrors.WithTemporary(err, true)
	}

	var lastErr error = errNoKey
	for _, txt := range txts {
		key, err := parseKeyRecord(txt)
		if err != nil {
			lastErr = err
			continue
		}
		return key, nil
	}
	return nil, lastErr
}

// verifyAMS validates the ARC-Message-Signature over the listed header
// fields and the body hash.
func (s *state) verifyAMS(ctx context.Context, set *arcSet, header textproto.Header, body buffer.Buffer) error {
	tags := set.ams

	canon := tags["c"]
	if canon == "" {
		canon = "relaxed/relaxed"
	}
	parts := strings.SplitN(canon, "/", 2)
	hdrRelaxed := parts[0] == "relaxed"
	bodyRelaxed := len(parts) == 2 && parts[1] == "relaxed" || len(parts) == 1

	// Verify the body hash first.
	bodyR, err := body.Open()
	if err != nil {
		return exterrors.WithTemporary(err, true)
	}
	defer bodyR.Close()

	bodyHasher := newHash()
	if err := canonicalizeBody(bodyRelaxed, bodyR, bodyHasher); err != nil {
		return exterrors.WithTemporary(err, true)
	}
	bh := base64.StdEncoding.EncodeToString(bodyHasher.Sum(nil))
	if bh != wspRe.ReplaceAllString(tags["bh"], "") {
		return fmt.Errorf("arc: body hash mismatch for i=%d", set.instance)
	}

	// Then the header signature.
	hasher := newHash()
	var raw []byte
	for _, name := range strings.Split(tags["h"], ":") {
		name = strings.TrimSpace(name)
		value := lastFieldValue(header, name)
		var line string
		if hdrRelaxed {
			line = relaxedHeaderField(name, value)
		} else {
			line = name + ": " + value
		}
		raw = append(raw, line...)
		raw = append(raw, "\r\n"...)
	}

	// The AMS field itself, with the b= value removed, no trailing CRLF.
	var amsLine string
	if hdrRelaxed {
		amsLine = relaxedHeaderField("ARC-Message-Signature", stripB(set.amsRaw))
	} else {
		amsLine = "ARC-Message-Signature: " + stripB(set.amsRaw)
	}
	raw = append(raw, amsLine...)
	hasher.Write(raw)

	sig, err := base64.StdEncoding.DecodeString(wspRe.ReplaceAllString(tags["b"], ""))
	if err != nil {
		return fmt.Errorf("arc: malformed b= value: %w", err)
	}

	key, err := s.fetchKey(ctx, tags)
	if err != nil {
		return err
	}

	algo := tags["a"]
	if algo == "" {
		algo = "rsa-sha256"
	}
	if err := key.verifySig(algo, hasher.Sum(nil), raw, sig); err != nil {
		return fmt.Errorf("arc: AMS verification failed for i=%d: %w", set.instance, err)
	}
	return nil
}

// verifySeal validates a single ARC-Seal over the chain prefix it covers:
// AAR(1), AMS(1), AS(1), ... AAR(i), AMS(i), AS(i) with the b= value of
// AS(i) removed. ARC seals always use relaxed header canonicalization
// (RFC 8617 Section 4.1.3).
func (s *state) verifySeal(ctx context.Context, sets []*arcSet, target *arcSet) error {
	hasher := newHash()
	var raw []byte

	for _, set := range sets[:target.instance] {
		raw = append(raw, relaxedHeaderField("ARC-Authentication-Results", set.aarRaw)...)
		raw = append(raw, "\r\n"...)
		raw = append(raw, relaxedHeaderField("ARC-Message-Signature", set.amsRaw)...)
		raw = append(raw, "\r\n"...)

		sealRaw := set.sealRaw
		if set.instance == target.instance {
			sealRaw = stripB(sealRaw)
		}
		raw = append(raw, relaxedHeaderField("ARC-Seal", sealRaw)...)
		if set.instance != target.instance {
			raw = append(raw, "\r\n"...)
		}
	}
	hasher.Write(raw)

	sig, err := base64.StdEncoding.DecodeString(wspRe.ReplaceAllString(target.seal["b"], ""))
	if err != nil {
		return fmt.Errorf("arc: malformed seal b= value: %w", err)
	}

	key, err := s.fetchKey(ctx, target.seal)
	if err != nil {
		return err
	}

	algo := target.seal["a"]
	if algo == "" {
		algo = "rsa-sha256"
	}
	if err := key.verifySig(algo, hasher.Sum(nil), raw, sig); err != nil {
		return fmt.Errorf("arc: seal verification failed for i=%d: %w", target.instance, err)
	}
	return nil
}

// lastFieldValue returns the value of the last field with the name, as
// required by the bottom-up field selection of RFC 6376 Section 5.4.2.
func lastFieldValue(header textproto.Header, name string) string {
	value := ""
	for fields := header.FieldsByKey(name); fields.Next(); {
		value = fields.Value()
	}
	return value
}

func (s *state) Close() error {
	return nil
}

func init() {
	module.Register(modName, New)
}
