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

// Package dnsbl implements the check.dnsbl module querying a set of
// DNS-based reputation lists (RFC 5782) for the client IP, the EHLO name
// and the MAIL FROM domain. Every matched list contributes its score;
// the accumulated score is compared against the quarantine and reject
// thresholds.
package dnsbl

import (
	"context"
	"errors"
	"net"
	"runtime/trace"
	"strings"
	"sync"

	"github.com/emersion/go-message/textproto"
	"github.com/foxcpp/ferrum/framework/address"
	"github.com/foxcpp/ferrum/framework/buffer"
	"github.com/foxcpp/ferrum/framework/config"
	"github.com/foxcpp/ferrum/framework/dns"
	"github.com/foxcpp/ferrum/framework/exterrors"
	"github.com/foxcpp/ferrum/framework/log"
	"github.com/foxcpp/ferrum/framework/module"
	"github.com/foxcpp/ferrum/internal/target"
	"golang.org/x/sync/errgroup"
)

const modName = "check.dnsbl"

// List describes a single configured reputation list.
type List struct {
	Zone string

	ClientIPv4 bool
	ClientIPv6 bool

	EHLO     bool
	MAILFROM bool

	ScoreAdj  int
	Responses []net.IPNet
}

// defaultBL is the configuration used for lists named inline with no
// block: IPv4 client address lookups with score 1.
var defaultBL = List{
	ClientIPv4: true,
}

type DNSBL struct {
	instName   string
	checkEarly bool
	inlineBls  []string
	bls        []List

	quarantineThres int
	rejectThres     int

	resolver dns.Resolver
	log      log.Logger
}

func NewDNSBL(_, instName string, _, inlineArgs []string) (module.Module, error) {
	return &DNSBL{
		instName:  instName,
		inlineBls: inlineArgs,

		resolver: dns.NewCachingResolver(dns.DefaultResolver()),
		log:      log.Logger{Name: "dnsbl"},
	}, nil
}

func (bl *DNSBL) Name() string {
	return "dnsbl"
}

func (bl *DNSBL) InstanceName() string {
	return bl.instName
}

func (bl *DNSBL) Init(cfg *config.Map) error {
	cfg.Bool("debug", false, false, &bl.log.Debug)
	cfg.Bool("check_early", false, false, &bl.checkEarly)
	cfg.Int("quarantine_threshold", false, false, 1, &bl.quarantineThres)
	cfg.Int("reject_threshold", false, false, 9999, &bl.rejectThres)
	cfg.AllowUnknown()
	unknown, err := cfg.Process()
	if err != nil {
		return err
	}

	for _, zone := range bl.inlineBls {
		list := defaultBL
		list.Zone = zone
		bl.addList(list)
	}
	for _, node := range unknown {
		if err := bl.readListCfg(node); err != nil {
			return err
		}
	}

	return nil
}

// addList registers the list and schedules its RFC 5782 sanity test in
// the background (DNS is slow and we do not want to stall start-up).
func (bl *DNSBL) addList(list List) {
	bl.bls = append(bl.bls, list)
	go bl.testList(list)
}

// readListCfg parses one list configuration block. The block name and
// every argument are zones sharing the block settings.
func (bl *DNSBL) readListCfg(node config.Node) error {
	var (
		listCfg      List
		responseNets []string
	)

	cfg := config.NewMap(nil, node)
	cfg.Bool("client_ipv4", false, defaultBL.ClientIPv4, &listCfg.ClientIPv4)
	cfg.Bool("client_ipv6", false, defaultBL.ClientIPv4, &listCfg.ClientIPv6)
	cfg.Bool("ehlo", false, defaultBL.EHLO, &listCfg.EHLO)
	cfg.Bool("mailfrom", false, defaultBL.EHLO, &listCfg.MAILFROM)
	cfg.Int("score", false, false, 1, &listCfg.ScoreAdj)
	cfg.StringList("responses", false, false, []string{"127.0.0.1/24"}, &responseNets)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	for _, resp := range responseNets {
		// A bare IP means a /32 entry.
		if !strings.Contains(resp, "/") {
			resp += "/32"
		}
		_, ipNet, err := net.ParseCIDR(resp)
		if err != nil {
			return err
		}
		listCfg.Responses = append(listCfg.Responses, *ipNet)
	}

	if listCfg.ScoreAdj < 0 {
		// A whitelisted spammer-controlled name would make the score
		// adjustment spammer-controlled too.
		if listCfg.EHLO {
			return errors.New("dnsbl: 'ehlo' should not be used with negative score")
		}
		if listCfg.MAILFROM {
			return errors.New("dnsbl: 'mailfrom' should not be used with negative score")
		}
	}

	for _, zone := range append([]string{node.Name}, node.Args...) {
		zoneCfg := listCfg
		zoneCfg.Zone = zone
		bl.addList(zoneCfg)
	}

	return nil
}

// testList verifies the RFC 5782 Section 5 test entries of the list.
// Lists missing them are only warned about: too many real-world lists
// lack the records to make this a hard error.
func (bl *DNSBL) testList(listCfg List) {
	bl.log.DebugMsg("testing list for RFC 5782 requirements...", "list", listCfg.Zone)

	mustBeListed := func(check func() error, what string) bool {
		err := check()
		if err == nil {
			bl.log.Msg("List does not contain a test record for "+what, "list", listCfg.Zone)
			return true
		}
		if _, listed := err.(ListedErr); !listed {
			bl.log.Error("lookup error, bailing out", err, "list", listCfg.Zone)
			return false
		}
		return true
	}
	mustNotBeListed := func(check func() error, what string) bool {
		err := check()
		if err == nil {
			return true
		}
		if _, listed := err.(ListedErr); !listed {
			bl.log.Error("lookup error, bailing out", err, "list", listCfg.Zone)
			return false
		}
		bl.log.Msg("List contains a record for "+what, "list", listCfg.Zone)
		return true
	}
	ipCheck := func(ip net.IP) func() error {
		return func() error {
			return checkIP(context.Background(), bl.resolver, listCfg, ip)
		}
	}
	domainCheck := func(domain string) func() error {
		return func() error {
			return checkDomain(context.Background(), bl.resolver, listCfg, domain)
		}
	}

	if listCfg.ClientIPv4 {
		// IPv4-based DNSxLs MUST have an entry for 127.0.0.2 and MUST
		// NOT have one for 127.0.0.1.
		if !mustBeListed(ipCheck(net.IPv4(127, 0, 0, 2)), "127.0.0.2") {
			return
		}
		if !mustNotBeListed(ipCheck(net.IPv4(127, 0, 0, 1)), "127.0.0.1") {
			return
		}
	}
	if listCfg.ClientIPv6 {
		// Same for IPv6, with the mapped forms.
		if !mustBeListed(ipCheck(net.ParseIP("::FFFF:7F00:2")), "::FFFF:7F00:2") {
			return
		}
		if !mustNotBeListed(ipCheck(net.ParseIP("::FFFF:7F00:1")), "::FFFF:7F00:1") {
			return
		}
	}
	if listCfg.EHLO || listCfg.MAILFROM {
		// Domain-name-based DNSxLs MUST list 'test' and MUST NOT list
		// 'invalid'.
		if !mustBeListed(domainCheck("test"), "'test' TLD") {
			return
		}
		mustNotBeListed(domainCheck("invalid"), "'invalid' TLD")
	}
}

// checkList queries a single list for all identities it covers.
func (bl *DNSBL) checkList(ctx context.Context, list List, ip net.IP, ehlo, mailFrom string) error {
	if list.ClientIPv4 || list.ClientIPv6 {
		if err := checkIP(ctx, bl.resolver, list, ip); err != nil {
			return err
		}
	}

	if list.EHLO && ehlo != "" {
		// Address literals in EHLO are not usable as list keys.
		if strings.HasPrefix(ehlo, "[") && strings.HasSuffix(ehlo, "]") {
			return nil
		}
		if err := checkDomain(ctx, bl.resolver, list, ehlo); err != nil {
			return err
		}
	}

	if list.MAILFROM && mailFrom != "" {
		_, domain, err := address.Split(mailFrom)
		if err != nil || domain == "" {
			// Likely <postmaster> or <>, nothing to check.
			return nil
		}
		// EHLO frequently equals the sender domain for small servers,
		// skip the duplicate query then.
		if list.EHLO && dns.Equal(domain, ehlo) {
			return nil
		}
		if err := checkDomain(ctx, bl.resolver, list, domain); err != nil {
			return err
		}
	}

	return nil
}

// checkLists queries all configured lists concurrently, sums the scores
// of matches and converts the total into the check verdict.
func (bl *DNSBL) checkLists(ctx context.Context, ip net.IP, ehlo, mailFrom string) module.CheckResult {
	var (
		eg errgroup.Group

		lck      sync.Mutex
		score    int
		listedOn []string
	)

	for _, list := range bl.bls {
		list := list
		eg.Go(func() error {
			err := bl.checkList(ctx, list, ip, ehlo, mailFrom)
			if err == nil {
				return nil
			}
			listErr, listed := err.(ListedErr)
			if !listed {
				return err
			}

			lck.Lock()
			defer lck.Unlock()
			listedOn = append(listedOn, listErr.List)
			score += list.ScoreAdj
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		// An I/O-level list failure; hard-fail, the reputation state is
		// unknown.
		return module.CheckResult{
			Reject: true,
			Reason: &exterrors.SMTPError{
				Code:         exterrors.SMTPCode(err, 451, 554),
				EnhancedCode: exterrors.SMTPEnchCode(err, exterrors.EnhancedCode{0, 7, 0}),
				Message:      "DNS error during policy check",
				Err:          err,
				CheckName:    "dnsbl",
			},
		}
	}

	listedReason := &exterrors.SMTPError{
		Code:         554,
		EnhancedCode: exterrors.EnhancedCode{5, 7, 0},
		Message:      "Client identity is listed in the used DNSBL",
		CheckName:    "dnsbl",
		Misc: map[string]interface{}{
			"listed_on": listedOn,
			"score":     score,
		},
	}
	switch {
	case score >= bl.rejectThres:
		return module.CheckResult{Reject: true, Reason: listedReason}
	case score >= bl.quarantineThres:
		return module.CheckResult{Quarantine: true, Reason: listedReason}
	}
	return module.CheckResult{}
}

// CheckConnection implements module.EarlyCheck, applied before the
// session is allocated when check_early is on.
func (bl *DNSBL) CheckConnection(ctx context.Context, state *module.ConnState) error {
	if !bl.checkEarly {
		return nil
	}

	defer trace.StartRegion(ctx, "dnsbl/CheckConnection (Early)").End()

	ip, ok := state.RemoteAddr.(*net.TCPAddr)
	if !ok {
		bl.log.Msg("non-TCP/IP source",
			"src_addr", state.RemoteAddr,
			"src_host", state.Hostname)
		return nil
	}

	result := bl.checkLists(ctx, ip.IP, state.Hostname, "")
	if result.Reject {
		return result.Reason
	}
	return nil
}

type state struct {
	bl      *DNSBL
	msgMeta *module.MsgMetadata
	log     log.Logger
}

func (bl *DNSBL) CheckStateForMsg(ctx context.Context, msgMeta *module.MsgMetadata) (module.CheckState, error) {
	return &state{
		bl:      bl,
		msgMeta: msgMeta,
		log:     target.DeliveryLogger(bl.log, msgMeta),
	}, nil
}

func (s *state) CheckConnection(ctx context.Context) module.CheckResult {
	if s.bl.checkEarly {
		// Already applied at the connection stage.
		return module.CheckResult{}
	}

	defer trace.StartRegion(ctx, "dnsbl/CheckConnection").End()

	if s.msgMeta.Conn == nil {
		s.log.Msg("locally generated message, ignoring")
		return module.CheckResult{}
	}
	ip, ok := s.msgMeta.Conn.RemoteAddr.(*net.TCPAddr)
	if !ok {
		s.log.Msg("non-TCP/IP source")
		return module.CheckResult{}
	}

	return s.bl.checkLists(ctx, ip.IP, s.msgMeta.Conn.Hostname, s.msgMeta.OriginalFrom)
}

func (*state) CheckSender(context.Context, string) module.CheckResult {
	return module.CheckResult{}
}

func (*state) CheckRcpt(context.Context, string) module.CheckResult {
	return module.CheckResult{}
}

func (*state) CheckBody(context.Context, textproto.Header, buffer.Buffer) module.CheckResult {
	return module.CheckResult{}
}

func (*state) Close() error {
	return nil
}

func init() {
	module.Register(modName, NewDNSBL)
}
