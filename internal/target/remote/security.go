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

package remote

import (
	"context"
	"crypto/tls"
	"os"
	"path/filepath"
	"time"

	"github.com/foxcpp/ferrum/framework/config"
	"github.com/foxcpp/ferrum/framework/dns"
	"github.com/foxcpp/ferrum/framework/exterrors"
	"github.com/foxcpp/ferrum/framework/future"
	"github.com/foxcpp/ferrum/framework/log"
	"github.com/foxcpp/ferrum/framework/module"
	"github.com/foxcpp/ferrum/internal/target"
	"github.com/foxcpp/go-mtasts"
)

type (
	// TLSLevel is the effective security level of the TLS session.
	TLSLevel int
	// MXLevel is the effective authenticity level of the used MX record.
	MXLevel int
)

const (
	TLSNone TLSLevel = iota
	TLSEncrypted
	TLSAuthenticated
)

const (
	MXNone MXLevel = iota
	MX_MTASTS
	MX_DNSSEC
)

func (l TLSLevel) String() string {
	switch l {
	case TLSNone:
		return "none"
	case TLSEncrypted:
		return "encrypted"
	case TLSAuthenticated:
		return "authenticated"
	}
	return "???"
}

func (l MXLevel) String() string {
	switch l {
	case MXNone:
		return "none"
	case MX_MTASTS:
		return "mtasts"
	case MX_DNSSEC:
		return "dnssec"
	}
	return "???"
}

type (
	// Policy is an object that provides the security check for outbound
	// connections. It can do one of the following:
	//
	// - Check the effective TLS level or MX level against some configured
	// or discovered value. E.g. the local policy.
	//
	// - Raise the security level if a certain condition about the used MX
	// or connection is met. E.g. the DANE policy raises the TLS level to
	// Authenticated if a matching TLSA record is discovered.
	//
	// - Reject the connection if a certain condition about the used MX or
	// connection is _not_ met. E.g. an enforced MTA-STS policy rejects MX
	// records not matching it.
	//
	// It is not recommended to mix different types of behavior described
	// above in the same implementation.
	Policy interface {
		Start(*module.MsgMetadata) DeliveryPolicy
		Close() error
	}

	// DeliveryPolicy is an interface of the per-delivery object that
	// establishes and verifies the required and effective security of MX
	// records and TLS connections.
	DeliveryPolicy interface {
		// PrepareDomain is called before the DNS MX lookup and may
		// asynchronously start additional lookups necessary for policy
		// application in CheckMX or CheckConn.
		//
		// If there are any errors - they should be deferred to the CheckMX
		// or CheckConn call.
		PrepareDomain(ctx context.Context, domain string)

		// PrepareConn is called before the connection and may
		// asynchronously start additional lookups necessary for policy
		// application in CheckConn.
		PrepareConn(ctx context.Context, mx string)

		// CheckMX is called to check whether the policy permits to use
		// the MX.
		//
		// mxLevel contains the MX security level established by the
		// checks executed before.
		//
		// dnssec is true if the MX lookup was performed using a
		// DNSSEC-enabled resolver and the zone is signed and its
		// signature is valid.
		CheckMX(ctx context.Context, mxLevel MXLevel, domain, mx string, dnssec bool) (MXLevel, error)

		// CheckConn is called to check whether the policy permits to use
		// this connection.
		//
		// If tlsState.HandshakeComplete is false, TLS is not used. If
		// tlsState.VerifiedChains is nil, InsecureSkipVerify was used (no
		// ServerName or PKI check was done).
		CheckConn(ctx context.Context, mxLevel MXLevel, tlsLevel TLSLevel, domain, mx string, tlsState tls.ConnectionState) (TLSLevel, error)

		// Reset cleans the internal object state for use with another
		// message. newMsg may be nil if the object is not needed anymore.
		Reset(newMsg *module.MsgMetadata)
	}
)

type (
	mtastsPolicy struct {
		cache       *mtasts.Cache
		mtastsGet   func(context.Context, string) (*mtasts.Policy, error)
		updaterStop chan struct{}
		log         log.Logger
	}
	mtastsDelivery struct {
		c         *mtastsPolicy
		domain    string
		policyFut *future.Future
		log       log.Logger
	}
)

func NewMTASTSPolicy(r dns.Resolver, debug bool, cfg *config.Map) (*mtastsPolicy, error) {
	c := &mtastsPolicy{
		updaterStop: make(chan struct{}),
		log:         log.Logger{Name: "remote/mtasts", Debug: debug},
	}

	var (
		storeType string
		storeDir  string
	)
	cfg.Enum("cache", false, false, []string{"ram", "fs"}, "fs", &storeType)
	cfg.String("fs_dir", false, false, filepath.Join(config.StateDirectory, "mtasts-cache"), &storeDir)
	if _, err := cfg.Process(); err != nil {
		return nil, err
	}

	switch storeType {
	case "fs":
		if err := os.MkdirAll(storeDir, 0o700); err != nil {
			return nil, err
		}
		c.cache = mtasts.NewFSCache(storeDir)
	case "ram":
		c.cache = mtasts.NewRAMCache()
	default:
		panic("mtasts policy init: unknown cache type")
	}
	c.cache.Resolver = r
	c.mtastsGet = c.cache.Get

	go c.updater()

	return c, nil
}

func (c *mtastsPolicy) updater() {
	// Always update the cache on start-up since we may have been down for
	// some time.
	c.log.Debugln("updating MTA-STS cache...")
	if err := c.cache.Refresh(); err != nil {
		c.log.Error("MTA-STS cache update error", err)
	}
	c.log.Debugln("updating MTA-STS cache... done!")

	// MTA-STS policies typically have max_age around one day, so
	// updating them twice a day should keep them up-to-date most of the
	// time.
	t := time.NewTicker(12 * time.Hour)
	for {
		select {
		case <-t.C:
			c.log.Debugln("updating MTA-STS cache...")
			if err := c.cache.Refresh(); err != nil {
				c.log.Error("MTA-STS cache update error", err)
			}
			c.log.Debugln("updating MTA-STS cache... done!")
		case <-c.updaterStop:
			t.Stop()
			c.updaterStop <- struct{}{}
			return
		}
	}
}

func (c *mtastsPolicy) Start(msgMeta *module.MsgMetadata) DeliveryPolicy {
	return &mtastsDelivery{
		c:   c,
		log: target.DeliveryLogger(c.log, msgMeta),
	}
}

func (c *mtastsPolicy) Close() error {
	c.updaterStop <- struct{}{}
	<-c.updaterStop
	return nil
}

func (c *mtastsDelivery) PrepareDomain(ctx context.Context, domain string) {
	c.domain = domain
	c.policyFut = future.New()
	go func() {
		c.policyFut.Set(c.c.mtastsGet(ctx, domain))
	}()
}

func (c *mtastsDelivery) PrepareConn(ctx context.Context, mx string) {}

func (c *mtastsDelivery) CheckMX(ctx context.Context, mxLevel MXLevel, domain, mx string, dnssec bool) (MXLevel, error) {
	policyI, err := c.policyFut.GetContext(ctx)
	if err != nil {
		c.log.DebugMsg("MTA-STS error", "err", err)
		return mxLevel, nil
	}
	policy := policyI.(*mtasts.Policy)

	if !policy.Match(mx) {
		if policy.Mode == mtasts.ModeEnforce {
			return MXNone, &exterrors.SMTPError{
				Code:         550,
				EnhancedCode: exterrors.EnhancedCode{5, 7, 0},
				Message:      "Failed to establish the MX record authenticity (MTA-STS)",
			}
		}
		c.log.Msg("MX does not match published non-enforced MTA-STS policy", "mx", mx, "domain", c.domain)
		return mxLevel, nil
	}
	if mxLevel < MX_MTASTS {
		mxLevel = MX_MTASTS
	}
	return mxLevel, nil
}

func (c *mtastsDelivery) CheckConn(ctx context.Context, mxLevel MXLevel, tlsLevel TLSLevel, domain, mx string, tlsState tls.ConnectionState) (TLSLevel, error) {
	policyI, err := c.policyFut.GetContext(ctx)
	if err != nil {
		c.c.log.DebugMsg("MTA-STS error", "err", err)
		return tlsLevel, nil
	}
	policy := policyI.(*mtasts.Policy)

	if policy.Mode != mtasts.ModeEnforce {
		return tlsLevel, nil
	}

	if !tlsState.HandshakeComplete {
		return tlsLevel, &exterrors.SMTPError{
			Code:         451,
			EnhancedCode: exterrors.EnhancedCode{4, 7, 1},
			Message:      "TLS is required but unavailable or failed (MTA-STS)",
		}
	}

	if tlsState.VerifiedChains == nil {
		return tlsLevel, &exterrors.SMTPError{
			Code:         451,
			EnhancedCode: exterrors.EnhancedCode{4, 7, 1},
			Message: "Remote server TLS certificate is not trusted but " +
				"authentication is required by MTA-STS",
			Misc: map[string]interface{}{
				"tls_level": tlsLevel,
			},
		}
	}

	return tlsLevel, nil
}

func (c *mtastsDelivery) Reset(msgMeta *module.MsgMetadata) {
	c.policyFut = nil
	if msgMeta != nil {
		c.log = target.DeliveryLogger(c.c.log, msgMeta)
	}
}

type dnssecPolicy struct{}

func (dnssecPolicy) Start(*module.MsgMetadata) DeliveryPolicy {
	return dnssecPolicy{}
}

func (dnssecPolicy) Close() error {
	return nil
}

func (dnssecPolicy) Reset(*module.MsgMetadata)                        {}
func (dnssecPolicy) PrepareDomain(ctx context.Context, domain string) {}
func (dnssecPolicy) PrepareConn(ctx context.Context, mx string)       {}

func (dnssecPolicy) CheckMX(ctx context.Context, mxLevel MXLevel, domain, mx string, dnssec bool) (MXLevel, error) {
	if dnssec && mxLevel < MX_DNSSEC {
		mxLevel = MX_DNSSEC
	}
	return mxLevel, nil
}

func (dnssecPolicy) CheckConn(ctx context.Context, mxLevel MXLevel, tlsLevel TLSLevel, domain, mx string, tlsState tls.ConnectionState) (TLSLevel, error) {
	return tlsLevel, nil
}

type (
	danePolicy struct {
		extResolver *dns.ExtResolver
		log         log.Logger
	}
	daneDelivery struct {
		c       *danePolicy
		tlsaFut *future.Future
	}
)

func NewDANEPolicy(extR *dns.ExtResolver, debug bool) *danePolicy {
	return &danePolicy{
		log:         log.Logger{Name: "remote/dane", Debug: debug},
		extResolver: extR,
	}
}

func (c *danePolicy) Start(*module.MsgMetadata) DeliveryPolicy {
	return &daneDelivery{c: c}
}

func (c *danePolicy) Close() error {
	return nil
}

func (c *daneDelivery) PrepareDomain(ctx context.Context, domain string) {}

func (c *daneDelivery) PrepareConn(ctx context.Context, mx string) {
	// No DNSSEC support.
	if c.c.extResolver == nil {
		return
	}

	c.tlsaFut = future.New()

	go func() {
		ad, recs, err := c.c.extResolver.AuthLookupTLSA(ctx, smtpPort, "tcp", mx)
		if err != nil {
			c.tlsaFut.Set([]dns.TLSA{}, err)
			return
		}
		if !ad {
			// Per https://tools.ietf.org/html/rfc7672#section-2.2 we
			// interpret a non-authenticated RRset just like an empty
			// RRset. Side note: "bogus" signatures are expected to be
			// caught by the upstream resolver.
			c.tlsaFut.Set([]dns.TLSA{}, nil)
			return
		}

		// recs can be empty indicating absence of records.

		c.tlsaFut.Set(recs, nil)
	}()
}

func (c *daneDelivery) CheckMX(ctx context.Context, mxLevel MXLevel, domain, mx string, dnssec bool) (MXLevel, error) {
	return mxLevel, nil
}

func (c *daneDelivery) CheckConn(ctx context.Context, mxLevel MXLevel, tlsLevel TLSLevel, domain, mx string, tlsState tls.ConnectionState) (TLSLevel, error) {
	// No DNSSEC support.
	if c.c.extResolver == nil {
		return tlsLevel, nil
	}

	recsI, err := c.tlsaFut.GetContext(ctx)
	if err != nil {
		// No records.
		if dns.IsNotFound(err) {
			return tlsLevel, nil
		}

		// A lookup error here indicates a resolution failure or may also
		// indicate a bogus DNSSEC signature. There is a big problem with
		// differentiating these two.
		//
		// We assume DANE failure in both cases as a safety measure.
		// However, there is a possibility of a temporary error condition,
		// so we mark it as such.
		return tlsLevel, exterrors.WithTemporary(err, true)
	}
	recs := recsI.([]dns.TLSA)

	overridePKIX, err := verifyDANE(recs, tlsState)
	if err != nil {
		return tlsLevel, err
	}
	if overridePKIX && tlsLevel < TLSAuthenticated {
		tlsLevel = TLSAuthenticated
	}
	return tlsLevel, nil
}

func (c *daneDelivery) Reset(*module.MsgMetadata) {}

type localPolicy struct {
	minTLSLevel TLSLevel
	minMXLevel  MXLevel
}

func NewLocalPolicy(cfg *config.Map) (localPolicy, error) {
	l := localPolicy{}

	var (
		minTLSLevel string
		minMXLevel  string
	)

	cfg.Enum("min_tls_level", false, false,
		[]string{"none", "encrypted", "authenticated"}, "encrypted", &minTLSLevel)
	cfg.Enum("min_mx_level", false, false,
		[]string{"none", "mtasts", "dnssec"}, "none", &minMXLevel)
	if _, err := cfg.Process(); err != nil {
		return localPolicy{}, err
	}

	// Enum checks the value against the allowed list, no 'default'
	// necessary.
	switch minTLSLevel {
	case "none":
		l.minTLSLevel = TLSNone
	case "encrypted":
		l.minTLSLevel = TLSEncrypted
	case "authenticated":
		l.minTLSLevel = TLSAuthenticated
	}
	switch minMXLevel {
	case "none":
		l.minMXLevel = MXNone
	case "mtasts":
		l.minMXLevel = MX_MTASTS
	case "dnssec":
		l.minMXLevel = MX_DNSSEC
	}

	return l, nil
}

func (l localPolicy) Start(msgMeta *module.MsgMetadata) DeliveryPolicy {
	return l
}

func (l localPolicy) Close() error {
	return nil
}

func (l localPolicy) Reset(*module.MsgMetadata)                        {}
func (l localPolicy) PrepareDomain(ctx context.Context, domain string) {}
func (l localPolicy) PrepareConn(ctx context.Context, mx string)       {}

func (l localPolicy) CheckMX(ctx context.Context, mxLevel MXLevel, domain, mx string, dnssec bool) (MXLevel, error) {
	if mxLevel < l.minMXLevel {
		return mxLevel, &exterrors.SMTPError{
			// Err on the side of caution if the policy evaluation was
			// messed up by a temporary error (we can't know with the
			// current design).
			Code:         451,
			EnhancedCode: exterrors.EnhancedCode{4, 7, 0},
			Message:      "Failed to establish the MX record authenticity",
			Misc: map[string]interface{}{
				"mx_level": mxLevel,
			},
		}
	}
	return mxLevel, nil
}

func (l localPolicy) CheckConn(ctx context.Context, mxLevel MXLevel, tlsLevel TLSLevel, domain, mx string, tlsState tls.ConnectionState) (TLSLevel, error) {
	if tlsLevel < l.minTLSLevel {
		return tlsLevel, &exterrors.SMTPError{
			Code:         451,
			EnhancedCode: exterrors.EnhancedCode{4, 7, 1},
			Message:      "TLS is not available or unauthenticated but required",
			Misc: map[string]interface{}{
				"tls_level": tlsLevel,
			},
		}
	}
	return tlsLevel, nil
}

// policiesFromNode parses the mx_auth block listing the policies to apply.
func (rt *Target) policiesFromNode(node config.Node) ([]Policy, error) {
	policies := make([]Policy, 0, len(node.Children))
	for _, child := range node.Children {
		var (
			policy Policy
			err    error
		)
		switch child.Name {
		case "mtasts":
			policy, err = NewMTASTSPolicy(rt.resolver, rt.Log.Debug, config.NewMap(nil, child))
		case "dane":
			if child.Children != nil {
				return nil, config.NodeErr(child, "policy offers no additional configuration")
			}
			policy = NewDANEPolicy(rt.extResolver, rt.Log.Debug)
		case "dnssec":
			if child.Children != nil {
				return nil, config.NodeErr(child, "policy offers no additional configuration")
			}
			policy = dnssecPolicy{}
		case "local_policy":
			policy, err = NewLocalPolicy(config.NewMap(nil, child))
		default:
			return nil, config.NodeErr(child, "unknown mx_auth policy: %s", child.Name)
		}
		if err != nil {
			return nil, err
		}
		policies = append(policies, policy)
	}
	return policies, nil
}

// defaultPolicies returns the policy chain used when no mx_auth block is
// given: opportunistic MTA-STS and DANE together with the local policy
// requiring at least opportunistic TLS.
func (rt *Target) defaultPolicies() []Policy {
	mtastsP, err := NewMTASTSPolicy(rt.resolver, rt.Log.Debug, config.NewMap(nil, config.Node{}))
	if err != nil {
		// Cache directory creation failure. Nothing we can do about it
		// this late.
		rt.Log.Error("failed to initialize the default MTA-STS policy", err)
		return []Policy{
			NewDANEPolicy(rt.extResolver, rt.Log.Debug),
		}
	}
	return []Policy{
		mtastsP,
		NewDANEPolicy(rt.extResolver, rt.Log.Debug),
	}
}
