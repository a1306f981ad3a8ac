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
	"crypto/x509"
	"errors"
	"net"
	"runtime/trace"
	"strings"
	"time"

	"github.com/foxcpp/ferrum/framework/config"
	"github.com/foxcpp/ferrum/framework/exterrors"
	"github.com/foxcpp/ferrum/framework/module"
	"github.com/foxcpp/ferrum/internal/smtpconn"
)

// mxConn is the per-domain SMTP session of one delivery.
type mxConn struct {
	*smtpconn.C

	// Domain this MX belongs to.
	domain string

	// The MX record is DNSSEC-signed and was verified by the used
	// resolver.
	dnssecOk bool

	// Established TLS and MX security levels.
	tlsLevel TLSLevel
	mxLevel  MXLevel

	// Amount of message transactions done over this session, used to
	// limit the connection reuse.
	transactions int

	lastUse time.Time
}

// maxTransactionsPerConn limits how many messages may reuse a single
// SMTP session.
const maxTransactionsPerConn = 10

func (c *mxConn) Usable() bool {
	if c.C == nil || c.Client() == nil {
		return false
	}
	return c.Client().Noop() == nil
}

func (c *mxConn) LastUseAt() time.Time {
	return c.lastUse
}

// connectionForDomain returns the SMTP session used for recipients of the
// domain, establishing a new one if necessary.
func (rd *remoteDelivery) connectionForDomain(ctx context.Context, domain string) (*mxConn, error) {
	domain = strings.ToLower(domain)

	if c, ok := rd.connections[domain]; ok {
		return c, nil
	}

	if err := rd.rt.limits.TakeDest(ctx, domain); err != nil {
		return nil, moduleError(err)
	}

	// Try to reuse an idle session from the pool first.
	if connI, _ := rd.rt.pool.Get(ctx, domain); connI != nil {
		conn := connI.(*mxConn)
		usable := conn.Usable()
		if usable && rd.msgMeta.SMTPOpts.RequireTLS && conn.tlsLevel < TLSAuthenticated {
			usable = false
		}
		if usable {
			if err := conn.Mail(ctx, rd.mailFrom, rd.msgMeta.SMTPOpts); err == nil {
				conn.transactions++
				conn.lastUse = time.Now()
				rd.Log.DebugMsg("reusing pooled connection", "domain", domain)
				rd.connections[domain] = conn
				return conn, nil
			}
		}
		conn.DirectClose()
	}

	conn := &mxConn{
		C:      smtpconn.New(),
		domain: domain,
	}

	conn.Dialer = rd.rt.dialer
	conn.Log = rd.Log
	conn.Hostname = rd.rt.hostname
	conn.AddrInSMTPMsg = true

	for _, p := range rd.policies {
		p.PrepareDomain(ctx, domain)
	}

	region := trace.StartRegion(ctx, "remote/LookupMX")
	dnssecOk, records, err := rd.lookupMX(ctx, domain)
	region.End()
	if err != nil {
		rd.rt.limits.ReleaseDest(domain)
		return nil, err
	}
	conn.dnssecOk = dnssecOk

	var lastErr error
	region = trace.StartRegion(ctx, "remote/Connect+TLS")
	connected := false
	for _, record := range records {
		if record.Host == "." {
			rd.rt.limits.ReleaseDest(domain)
			region.End()
			return nil, &exterrors.SMTPError{
				Code:         556,
				EnhancedCode: exterrors.EnhancedCode{5, 1, 10},
				Message:      "Domain does not accept email (null MX)",
			}
		}

		if err := rd.attemptMX(ctx, conn, record); err != nil {
			rd.Log.Error("cannot use MX", err, "remote_server", record.Host, "domain", domain)
			lastErr = err
			continue
		}
		connected = true
		break
	}
	region.End()

	// Still not connected? Bail out.
	if !connected {
		rd.rt.limits.ReleaseDest(domain)
		return nil, &exterrors.SMTPError{
			Code:         exterrors.SMTPCode(lastErr, 451, 550),
			EnhancedCode: exterrors.SMTPEnchCode(lastErr, exterrors.EnhancedCode{0, 4, 0}),
			Message:      "No usable MXs, last err: " + lastErr.Error(),
			TargetName:   "remote",
			Err:          lastErr,
			Misc: map[string]interface{}{
				"domain": domain,
			},
		}
	}

	if err := conn.Mail(ctx, rd.mailFrom, rd.msgMeta.SMTPOpts); err != nil {
		rd.rt.limits.ReleaseDest(domain)
		conn.Close()
		return nil, err
	}
	conn.transactions++
	conn.lastUse = time.Now()

	rd.connections[domain] = conn
	return conn, nil
}

// attemptMX tries to use a single MX candidate host: it opens the
// connection, negotiates TLS and runs the policy chain over the results.
func (rd *remoteDelivery) attemptMX(ctx context.Context, conn *mxConn, record *net.MX) error {
	mxLevel := MXNone

	connCtx, cancel := context.WithCancel(ctx)
	// Cancel async policy lookups if rd.connectionForDomain fails.
	defer cancel()

	for _, p := range rd.policies {
		p.PrepareConn(connCtx, record.Host)
	}

	for _, p := range rd.policies {
		var err error
		mxLevel, err = p.CheckMX(connCtx, mxLevel, conn.domain, record.Host, conn.dnssecOk)
		if err != nil {
			rd.recordTLSResult(conn.domain, record.Host, err, tls.ConnectionState{})
			return err
		}
	}

	tlsLevel, tlsErr, err := rd.connect(ctx, conn, record.Host, rd.rt.tlsConfig)
	if err != nil {
		return err
	}

	tlsState, _ := conn.Client().TLSConnectionState()
	for _, p := range rd.policies {
		var polErr error
		tlsLevel, polErr = p.CheckConn(connCtx, mxLevel, tlsLevel, conn.domain, record.Host, tlsState)
		if polErr != nil {
			conn.DirectClose()
			rd.recordTLSResult(conn.domain, record.Host, polErr, tlsState)
			if tlsErr != nil {
				polErr = exterrors.WithFields(polErr, map[string]interface{}{
					"tls_err": tlsErr,
				})
			}
			return polErr
		}
	}

	// The REQUIRETLS extension overrides the configured policies in the
	// stronger direction.
	if rd.msgMeta.SMTPOpts.RequireTLS && tlsLevel < TLSAuthenticated {
		conn.DirectClose()
		return &exterrors.SMTPError{
			Code:         550,
			EnhancedCode: exterrors.EnhancedCode{5, 7, 30},
			Message:      "TLS verification is required but unavailable (REQUIRETLS)",
			Misc: map[string]interface{}{
				"tls_level": tlsLevel,
			},
		}
	}

	conn.tlsLevel = tlsLevel
	conn.mxLevel = mxLevel

	mxLevelCnt.WithLabelValues(rd.rt.name, mxLevel.String()).Inc()
	tlsLevelCnt.WithLabelValues(rd.rt.name, tlsLevel.String()).Inc()
	rd.recordTLSResult(conn.domain, record.Host, nil, tlsState)

	return nil
}

func isVerifyError(err error) bool {
	var (
		unknownAuth x509.UnknownAuthorityError
		hostnameErr x509.HostnameError
		constraints x509.ConstraintViolationError
		invalidCert x509.CertificateInvalidError
	)
	return errors.As(err, &unknownAuth) ||
		errors.As(err, &hostnameErr) ||
		errors.As(err, &constraints) ||
		errors.As(err, &invalidCert)
}

// connect attempts to connect to the MX, first trying STARTTLS with X.509
// verification but falling back to unauthenticated TLS or plaintext as
// necessary. The policy chain rejects the connection later if the fallback
// is not permitted.
//
// Return values:
// - tlsLevel    TLS security level that was established.
// - tlsErr      Error that prevented TLS from working if tlsLevel != TLSAuthenticated.
func (rd *remoteDelivery) connect(ctx context.Context, conn *mxConn, host string, tlsCfg *tls.Config) (tlsLevel TLSLevel, tlsErr, err error) {
	tlsLevel = TLSAuthenticated
	if tlsCfg == nil {
		tlsCfg = &tls.Config{}
	}
	tlsCfg = tlsCfg.Clone()
	tlsCfg.ServerName = host

	rd.Log.DebugMsg("trying", "remote_server", host, "domain", conn.domain)

retry:
	// smtpconn.C default TLS behavior is not useful for us, we want to
	// handle TLS errors separately hence starttls=false.
	_, err = conn.Connect(ctx, config.Endpoint{
		Host: host,
		Port: smtpPort,
	}, false, nil)
	if err != nil {
		return TLSNone, nil, err
	}

	starttlsOk, _ := conn.Client().Extension("STARTTLS")
	if starttlsOk && tlsCfg != nil {
		if err := conn.Client().StartTLS(tlsCfg); err != nil {
			tlsErr = err

			// Attempt TLS without authentication. It is still better than
			// plaintext and we might be able to actually authenticate the
			// server using DANE-EE/DANE-TA later.
			//
			// The tlsLevel check is to avoid looping forever if the same
			// verify error happens with InsecureSkipVerify too (e.g. the
			// certificate is *too* broken).
			if isVerifyError(err) && tlsLevel == TLSAuthenticated {
				rd.Log.Error("TLS verify error, trying without authentication", err, "remote_server", host, "domain", conn.domain)
				tlsCfg.InsecureSkipVerify = true
				tlsLevel = TLSEncrypted

				conn.DirectClose()

				goto retry
			}

			rd.Log.Error("TLS error, trying plaintext", err, "remote_server", host, "domain", conn.domain)
			tlsCfg = nil
			tlsLevel = TLSNone
			conn.DirectClose()

			goto retry
		}
	} else {
		tlsLevel = TLSNone
	}

	return tlsLevel, tlsErr, nil
}

// recordTLSResult translates the policy/TLS failure into the RFC 8460
// result type and hands it to the configured collector.
//
// Per the Open Question on opportunistic-only sessions, results are only
// recorded when an MTA-STS or DANE policy was in effect for the domain.
func (rd *remoteDelivery) recordTLSResult(domain, mx string, err error, tlsState tls.ConnectionState) {
	if rd.rt.tlsRpt == nil {
		return
	}

	policyType := ""
	for _, p := range rd.policies {
		switch p.(type) {
		case *mtastsDelivery:
			policyType = module.TLSRptPolicySTS
		case *daneDelivery:
			if policyType == "" {
				policyType = module.TLSRptPolicyTLSA
			}
		}
	}
	if policyType == "" {
		return
	}

	resultType := ""
	if err != nil {
		switch {
		case !tlsState.HandshakeComplete:
			resultType = module.TLSRptResultSTARTTLSNotSupported
		case policyType == module.TLSRptPolicyTLSA:
			resultType = module.TLSRptResultCertificateMismatch
		default:
			resultType = module.TLSRptResultCertificateNotTrust
		}
	}

	rd.rt.tlsRpt.RecordTLSResult(domain, policyType, resultType, mx)
}
