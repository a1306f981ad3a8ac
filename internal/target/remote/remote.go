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

// Package remote implements the outbound message delivery engine.
//
// Interfaces implemented:
// - module.DeliveryTarget
//
// Remaining recipients are grouped by the domain, the next hop is located
// using MX records (with the A/AAAA fallback required by RFC 5321 Section
// 5.1) and a single SMTP session per domain is reused for all its
// recipients. The TLS and MX trust decisions are delegated to the
// configured chain of mx_auth policies (MTA-STS, DANE, DNSSEC, local).
package remote

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"runtime/trace"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-smtp"
	"github.com/foxcpp/ferrum/framework/address"
	"github.com/foxcpp/ferrum/framework/buffer"
	"github.com/foxcpp/ferrum/framework/config"
	modconfig "github.com/foxcpp/ferrum/framework/config/module"
	"github.com/foxcpp/ferrum/framework/dns"
	"github.com/foxcpp/ferrum/framework/exterrors"
	"github.com/foxcpp/ferrum/framework/log"
	"github.com/foxcpp/ferrum/framework/module"
	"github.com/foxcpp/ferrum/internal/limits"
	"github.com/foxcpp/ferrum/internal/smtpconn/pool"
	"github.com/foxcpp/ferrum/internal/target"
	"golang.org/x/net/idna"
)

var smtpPort = "25"

func moduleError(err error) error {
	return exterrors.WithFields(err, map[string]interface{}{
		"target": "remote",
	})
}

type Target struct {
	name      string
	hostname  string
	localIP   *net.TCPAddr
	ipv4      bool
	ipv6      bool
	tlsConfig *tls.Config

	resolver    dns.Resolver
	dialer      func(ctx context.Context, network, addr string) (net.Conn, error)
	extResolver *dns.ExtResolver

	policies         []Policy
	limits           *limits.Group
	allowSecOverride bool

	pool *pool.P

	tlsRpt module.TLSReportCollector

	Log log.Logger
}

var _ module.DeliveryTarget = &Target{}

func New(_, instName string, _, inlineArgs []string) (module.Module, error) {
	if len(inlineArgs) != 0 {
		return nil, errors.New("remote: inline arguments are not used")
	}
	// Explicit initialization of all fields in New is the best practice for
	// maintainability, but it would over-complicate code there.
	return &Target{
		name:     instName,
		resolver: dns.NewCachingResolver(dns.DefaultResolver()),
		dialer:   (&net.Dialer{}).DialContext,
		pool: pool.New(pool.Config{
			MaxKeys:             5000,
			MaxConnsPerKey:      5,
			MaxConnLifetimeSec:  150,
			StaleKeyLifetimeSec: 60 * 5,
		}),
		Log: log.Logger{Name: "remote"},
	}, nil
}

func (rt *Target) Init(cfg *config.Map) error {
	var (
		err          error
		ipv4, ipv6   bool
		localIP      string
		policiesNode config.Node
		havePolicies bool
	)

	cfg.String("hostname", true, true, "", &rt.hostname)
	cfg.Bool("debug", true, false, &rt.Log.Debug)
	cfg.Bool("requiretls_override", false, true, &rt.allowSecOverride)
	cfg.Bool("attempt_ipv4", false, true, &ipv4)
	cfg.Bool("attempt_ipv6", false, true, &ipv6)
	cfg.String("local_ip", false, false, "", &localIP)
	cfg.Custom("tls_client", true, false, func() (interface{}, error) {
		return &tls.Config{}, nil
	}, config.TLSClientBlock, &rt.tlsConfig)
	cfg.Custom("limits", false, false, func() (interface{}, error) {
		return &limits.Group{}, nil
	}, limitsDirective, &rt.limits)
	cfg.Custom("tls_reports", false, false, func() (interface{}, error) {
		return nil, nil
	}, tlsRptDirective, &rt.tlsRpt)
	cfg.Callback("mx_auth", func(_ *config.Map, node config.Node) error {
		policiesNode = node
		havePolicies = true
		return nil
	})
	if _, err := cfg.Process(); err != nil {
		return err
	}

	// INTERNATIONALIZATION: See RFC 6531 Section 3.7.1.
	rt.hostname, err = idna.ToASCII(rt.hostname)
	if err != nil {
		return fmt.Errorf("remote: cannot represent the hostname as an A-label name: %w", err)
	}

	if !ipv4 && !ipv6 {
		return errors.New("remote: at least one of attempt_ipv4 and attempt_ipv6 should be on")
	}
	rt.ipv4, rt.ipv6 = ipv4, ipv6
	if localIP != "" {
		rt.localIP, err = net.ResolveTCPAddr("tcp", localIP+":0")
		if err != nil {
			return fmt.Errorf("remote: failed to parse local_ip: %w", err)
		}
		dialer := &net.Dialer{LocalAddr: rt.localIP}
		rt.dialer = dialer.DialContext
	}

	rt.extResolver, err = dns.NewExtResolver()
	if err != nil {
		rt.Log.Error("failed to initialize DNSSEC-aware stub resolver, DANE and DNSSEC policies are not functional", err)
	}

	if havePolicies {
		rt.policies, err = rt.policiesFromNode(policiesNode)
		if err != nil {
			return err
		}
	} else {
		rt.policies = rt.defaultPolicies()
	}

	return nil
}

func (rt *Target) Close() error {
	rt.pool.Close()
	for _, p := range rt.policies {
		if err := p.Close(); err != nil {
			rt.Log.Error("policy close failed", err)
		}
	}
	return nil
}

func (rt *Target) Name() string {
	return "remote"
}

func (rt *Target) InstanceName() string {
	return rt.name
}

type remoteDelivery struct {
	rt       *Target
	mailFrom string
	msgMeta  *module.MsgMetadata
	Log      log.Logger

	recipients  []string
	connections map[string]*mxConn

	policies []DeliveryPolicy
}

func (rt *Target) Start(ctx context.Context, msgMeta *module.MsgMetadata, mailFrom string) (module.Delivery, error) {
	policies := make([]DeliveryPolicy, 0, len(rt.policies))
	for _, p := range rt.policies {
		policies = append(policies, p.Start(msgMeta))
	}

	return &remoteDelivery{
		rt:          rt,
		mailFrom:    mailFrom,
		msgMeta:     msgMeta,
		Log:         target.DeliveryLogger(rt.Log, msgMeta),
		connections: map[string]*mxConn{},
		policies:    policies,
	}, nil
}

func (rd *remoteDelivery) AddRcpt(ctx context.Context, to string) error {
	defer trace.StartRegion(ctx, "remote/AddRcpt").End()

	if rd.msgMeta.Quarantine {
		return &exterrors.SMTPError{
			Code:         550,
			EnhancedCode: exterrors.EnhancedCode{5, 7, 0},
			Message:      "Refusing to deliver a quarantined message",
			TargetName:   "remote",
		}
	}

	_, domain, err := address.Split(to)
	if err != nil {
		return err
	}

	// Special-case for the <postmaster> address. If it is not handled by a
	// rewrite rule before, we should not attempt to do anything with it
	// and reject it as invalid.
	if domain == "" {
		return &exterrors.SMTPError{
			Code:         550,
			EnhancedCode: exterrors.EnhancedCode{5, 1, 1},
			Message:      "<postmaster> address is not supported",
			TargetName:   "remote",
		}
	}

	if strings.HasPrefix(domain, "[") {
		return &exterrors.SMTPError{
			Code:         550,
			EnhancedCode: exterrors.EnhancedCode{5, 1, 1},
			Message:      "IP address literals are not supported",
			TargetName:   "remote",
		}
	}

	conn, err := rd.connectionForDomain(ctx, domain)
	if err != nil {
		return err
	}

	if err := conn.Rcpt(ctx, to, smtp.RcptOptions{}); err != nil {
		return moduleError(err)
	}

	rd.recipients = append(rd.recipients, to)
	return nil
}

type multipleErrs struct {
	errs      map[string]error
	statusLck sync.Mutex
}

func (m *multipleErrs) Error() string {
	m.statusLck.Lock()
	defer m.statusLck.Unlock()
	return fmt.Sprintf("Partial delivery failure, per-rcpt info: %+v", m.errs)
}

func (m *multipleErrs) Fields() map[string]interface{} {
	m.statusLck.Lock()
	defer m.statusLck.Unlock()

	// If there are any temporary errors - the sender should retry to make
	// sure all recipients will get the message. However, since we can't
	// tell it which recipients got the message, this will generate
	// duplicates for them.
	//
	// We favor delivery with duplicates over incomplete delivery here.

	var (
		code     = 550
		enchCode = exterrors.EnhancedCode{5, 0, 0}
	)
	for _, err := range m.errs {
		if exterrors.IsTemporary(err) {
			code = 451
			enchCode = exterrors.EnhancedCode{4, 0, 0}
		}
	}

	return map[string]interface{}{
		"smtp_code":     code,
		"smtp_enchcode": enchCode,
		"smtp_msg":      "Partial delivery failure, additional attempts may result in duplicates",
		"target":        "remote",
		"errs":          m.errs,
	}
}

func (m *multipleErrs) SetStatus(rcptTo string, err error) {
	m.statusLck.Lock()
	defer m.statusLck.Unlock()
	m.errs[rcptTo] = err
}

func (rd *remoteDelivery) Body(ctx context.Context, header textproto.Header, buffer buffer.Buffer) error {
	defer trace.StartRegion(ctx, "remote/Body").End()

	merr := multipleErrs{
		errs: make(map[string]error),
	}
	rd.BodyNonAtomic(ctx, &merr, header, buffer)

	for _, v := range merr.errs {
		if v != nil {
			if len(merr.errs) == 1 {
				return v
			}
			return &merr
		}
	}
	return nil
}

func (rd *remoteDelivery) BodyNonAtomic(ctx context.Context, c module.StatusCollector, header textproto.Header, b buffer.Buffer) {
	defer trace.StartRegion(ctx, "remote/BodyNonAtomic").End()

	if rd.msgMeta.Quarantine {
		for _, rcpt := range rd.recipients {
			c.SetStatus(rcpt, &exterrors.SMTPError{
				Code:         550,
				EnhancedCode: exterrors.EnhancedCode{5, 7, 0},
				Message:      "Refusing to deliver quarantined message",
				TargetName:   "remote",
			})
		}
		return
	}

	var wg sync.WaitGroup

	for _, conn := range rd.connections {
		conn := conn
		wg.Add(1)
		go func() {
			defer wg.Done()

			bodyR, err := b.Open()
			if err != nil {
				for _, rcpt := range conn.Rcpts() {
					c.SetStatus(rcpt, err)
				}
				return
			}
			defer bodyR.Close()

			err = conn.Data(ctx, header, bodyR)
			for _, rcpt := range conn.Rcpts() {
				c.SetStatus(rcpt, err)
			}
		}()
	}

	wg.Wait()
}

func (rd *remoteDelivery) Abort(ctx context.Context) error {
	return rd.Close()
}

func (rd *remoteDelivery) Commit(ctx context.Context) error {
	// It is not possible to implement it atomically, so users of
	// remoteDelivery have to take care of partial failures.
	return rd.Close()
}

func (rd *remoteDelivery) Close() error {
	for _, conn := range rd.connections {
		rd.rt.limits.ReleaseDest(conn.domain)

		// Try to keep the session alive for the next message to the same
		// hop, subject to the per-connection transaction cap.
		if conn.transactions < maxTransactionsPerConn && conn.Client() != nil {
			if err := conn.Client().Reset(); err == nil {
				conn.lastUse = time.Now()
				rd.Log.Debugf("returning connection for %s to the pool", conn.domain)
				rd.rt.pool.Return(conn.domain, conn)
				continue
			}
		}

		rd.Log.Debugf("disconnected from %s", conn.ServerName())
		conn.Close()
	}
	for _, p := range rd.policies {
		p.Reset(nil)
	}
	return nil
}

func (rd *remoteDelivery) lookupMX(ctx context.Context, domain string) (dnssecOk bool, records []*net.MX, err error) {
	if rd.rt.extResolver != nil {
		dnssecOk, records, err = rd.rt.extResolver.AuthLookupMX(ctx, domain)
	} else {
		records, err = rd.rt.resolver.LookupMX(ctx, domain)
	}
	if err != nil {
		reason, misc := exterrors.UnwrapDNSErr(err)
		return false, nil, &exterrors.SMTPError{
			Code:         exterrors.SMTPCode(err, 451, 554),
			EnhancedCode: exterrors.SMTPEnchCode(err, exterrors.EnhancedCode{0, 4, 4}),
			Message:      "MX lookup error",
			TargetName:   "remote",
			Reason:       reason,
			Err:          err,
			Misc:         misc,
		}
	}

	// Sort by preference. Equal-preference records are shuffled so the
	// load is spread evenly between them.
	rand.Shuffle(len(records), func(i, j int) {
		records[i], records[j] = records[j], records[i]
	})
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Pref < records[j].Pref
	})

	// Fallback to A/AAAA RRs when no MX records are present as required
	// by RFC 5321 Section 5.1.
	if len(records) == 0 {
		records = append(records, &net.MX{
			Host: domain,
			Pref: 0,
		})
	}

	return dnssecOk, records, err
}

func limitsDirective(cfg *config.Map, n config.Node) (interface{}, error) {
	var g *limits.Group
	if err := modconfig.GroupFromNode("limits", n.Args, n, cfg.Globals, &g); err != nil {
		return nil, err
	}
	return g, nil
}

func tlsRptDirective(cfg *config.Map, n config.Node) (interface{}, error) {
	var collector module.TLSReportCollector
	if err := modconfig.ModuleFromNode("report", n.Args, n, cfg.Globals, &collector); err != nil {
		return nil, err
	}
	return collector, nil
}

func init() {
	module.Register("target.remote", New)
	module.Register("remote", New)
}
