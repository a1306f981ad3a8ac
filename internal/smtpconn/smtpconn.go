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

// Package smtpconn wraps the go-smtp client for use by delivery targets.
//
// On top of the raw protocol client it handles the ferrum-specific parts
// of an outbound session: error annotation via exterrors, SMTPUTF8
// negotiation with the A-label downgrade, LMTP per-recipient statuses and
// the 552->452 reply rewrite.
package smtpconn

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime/trace"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-smtp"
	"github.com/foxcpp/ferrum/framework/address"
	"github.com/foxcpp/ferrum/framework/config"
	"github.com/foxcpp/ferrum/framework/exterrors"
	"github.com/foxcpp/ferrum/framework/log"
)

// C is a single outbound SMTP or LMTP session. It is not reusable once
// closed.
type C struct {
	// Dialer to use to establish new network connections. Defaults to the
	// net.Dialer DialContext.
	Dialer func(ctx context.Context, network, addr string) (net.Conn, error)

	// Timeout for the initial TCP connection establishment.
	ConnectTimeout time.Duration

	// Timeout for most session commands (EHLO, MAIL, RCPT, STARTTLS).
	CommandTimeout time.Duration

	// Timeout for the final dot of the DATA command.
	SubmissionTimeout time.Duration

	// Hostname sent in the EHLO/LHLO command, in the ACE form.
	Hostname string

	// TLS configuration used when the endpoint requires Implicit TLS or
	// when STARTTLS is attempted. Nil means library defaults.
	TLSConfig *tls.Config

	Log log.Logger

	// When set, SMTP reply texts passed through to our client include the
	// "<server> said:" prefix so the final sender can tell local errors
	// from remote ones.
	AddrInSMTPMsg bool

	serverName string
	cl         *smtp.Client
	rcpts      []string
	lmtp       bool
}

// New returns a session object with defaults that match the timeouts
// recommended by RFC 5321 Section 4.5.3.2.
func New() *C {
	return &C{
		Dialer:            (&net.Dialer{}).DialContext,
		ConnectTimeout:    5 * time.Minute,
		CommandTimeout:    5 * time.Minute,
		SubmissionTimeout: 12 * time.Minute,
		TLSConfig:         &tls.Config{},
		Hostname:          "localhost.localdomain",
	}
}

// TLSError is returned by Connect to indicate an error during the
// STARTTLS command, as opposed to connection-level failures.
//
// With Implicit TLS endpoints the handshake happens as a part of the
// connection establishment, so TLS problems surface as plain connection
// errors instead.
type TLSError struct {
	Err error
}

func (err TLSError) Error() string {
	return "smtpconn: " + err.Err.Error()
}

func (err TLSError) Unwrap() error {
	return err.Err
}

// annotateErr converts protocol and network errors into exterrors-annotated
// values carrying the SMTP status to report upstream.
func (c *C) annotateErr(err error, serverName string) error {
	switch err := err.(type) {
	case nil:
		return nil
	case TLSError, *exterrors.SMTPError:
		// Already annotated.
		return err
	case *smtp.SMTPError:
		return c.annotateSMTPErr(err, serverName)
	case *net.OpError:
		return annotateNetErr(err)
	default:
		return exterrors.WithFields(err, map[string]interface{}{
			"remote_server": serverName,
		})
	}
}

func (c *C) annotateSMTPErr(err *smtp.SMTPError, serverName string) error {
	msg := err.Message
	if c.AddrInSMTPMsg {
		msg = serverName + " said: " + err.Message
	}

	code := err.Code
	enchCode := exterrors.EnhancedCode(err.EnhancedCode)
	if code == 552 {
		// RFC 5321 Section 4.5.3.1.10: 552 as "too many recipients" is a
		// historical misuse, treat it as the temporary 452.
		c.Log.Msg("SMTP code 552 rewritten to 452 per RFC 5321 Section 4.5.3.1.10")
		code = 452
		enchCode[0] = 4
	}

	return &exterrors.SMTPError{
		Code:         code,
		EnhancedCode: enchCode,
		Message:      msg,
		Misc: map[string]interface{}{
			"remote_server": serverName,
		},
		Err: err,
	}
}

func annotateNetErr(err *net.OpError) error {
	if _, ok := err.Err.(*net.DNSError); ok {
		reason, misc := exterrors.UnwrapDNSErr(err)
		misc["remote_server"] = err.Addr
		misc["io_op"] = err.Op
		return &exterrors.SMTPError{
			Code:         exterrors.SMTPCode(err, 450, 550),
			EnhancedCode: exterrors.SMTPEnchCode(err, exterrors.EnhancedCode{0, 4, 4}),
			Message:      "DNS error",
			Err:          err,
			Reason:       reason,
			Misc:         misc,
		}
	}
	return &exterrors.SMTPError{
		Code:         450,
		EnhancedCode: exterrors.EnhancedCode{4, 4, 2},
		Message:      "Network I/O error",
		Err:          err,
		Misc: map[string]interface{}{
			"remote_addr": err.Addr,
			"io_op":       err.Op,
		},
	}
}

// Connect establishes the network connection, sends EHLO and, if
// requested, upgrades to TLS via STARTTLS.
func (c *C) Connect(ctx context.Context, endp config.Endpoint, starttls bool, tlsConfig *tls.Config) (didTLS bool, err error) {
	return c.connect(ctx, false, endp, starttls, tlsConfig)
}

// ConnectLMTP is Connect speaking LMTP (LHLO) instead of ESMTP.
func (c *C) ConnectLMTP(ctx context.Context, endp config.Endpoint, starttls bool, tlsConfig *tls.Config) (didTLS bool, err error) {
	return c.connect(ctx, true, endp, starttls, tlsConfig)
}

func (c *C) connect(ctx context.Context, lmtp bool, endp config.Endpoint, starttls bool, tlsConfig *tls.Config) (didTLS bool, err error) {
	defer trace.StartRegion(ctx, "smtpconn/Connect").End()

	conn, err := c.dial(ctx, endp, tlsConfig)
	if err != nil {
		return false, c.annotateErr(err, endp.Host)
	}

	cl, err := c.hello(conn, lmtp)
	if err != nil {
		return false, c.annotateErr(err, endp.Host)
	}

	didTLS = endp.IsTLS()
	if starttls && !didTLS {
		didTLS, err = c.starttls(cl, endp.Host, tlsConfig)
		if err != nil {
			return false, c.annotateErr(err, endp.Host)
		}
	}

	c.lmtp = lmtp
	c.serverName = endp.Host
	c.cl = cl
	return didTLS, nil
}

func (c *C) dial(ctx context.Context, endp config.Endpoint, tlsConfig *tls.Config) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.ConnectTimeout)
	defer cancel()

	conn, err := c.Dialer(dialCtx, endp.Network(), endp.Address())
	if err != nil {
		return nil, err
	}

	if endp.IsTLS() {
		cfg := tlsConfig.Clone()
		if cfg == nil {
			cfg = &tls.Config{}
		}
		cfg.ServerName = endp.Host
		conn = tls.Client(conn, cfg)
	}
	return conn, nil
}

func (c *C) hello(conn net.Conn, lmtp bool) (*smtp.Client, error) {
	var cl *smtp.Client
	if lmtp {
		cl = smtp.NewClientLMTP(conn)
	} else {
		cl = smtp.NewClient(conn)
	}
	cl.CommandTimeout = c.CommandTimeout
	cl.SubmissionTimeout = c.SubmissionTimeout

	// i18n: the hostname is already expected to be in the A-labels form.
	if err := cl.Hello(c.Hostname); err != nil {
		cl.Close()
		return nil, err
	}
	return cl, nil
}

// starttls upgrades the session if the server offers the extension. An
// unsupported extension is not an error: the decision whether plaintext
// is acceptable belongs to the caller's policies.
func (c *C) starttls(cl *smtp.Client, host string, tlsConfig *tls.Config) (bool, error) {
	if ok, _ := cl.Extension("STARTTLS"); !ok {
		return false, nil
	}

	cfg := tlsConfig.Clone()
	if cfg == nil {
		cfg = &tls.Config{}
	}
	cfg.ServerName = host
	if err := cl.StartTLS(cfg); err != nil {
		// The connection may be in an arbitrary state after a handshake
		// failure. Try the polite QUIT anyway, the error could have
		// happened after the handshake itself (e.g. PKI verification).
		if err := cl.Quit(); err != nil {
			cl.Close()
		}
		return false, TLSError{err}
	}
	return true, nil
}

// Mail sends the MAIL FROM command.
//
// The SIZE and REQUIRETLS parameters are forwarded as-is. SMTPUTF8 is
// forwarded if the remote side supports it; otherwise the address is
// downgraded to the ASCII form when possible and the command fails when
// it is not.
func (c *C) Mail(ctx context.Context, from string, opts smtp.MailOptions) error {
	defer trace.StartRegion(ctx, "smtpconn/MAIL FROM").End()

	outOpts := smtp.MailOptions{
		// Future extensions may add fields that are not safe to forward
		// blindly, so only the known-forwardable ones are copied.
		Size:       opts.Size,
		RequireTLS: opts.RequireTLS,
	}

	if opts.UTF8 {
		if ok, _ := c.cl.Extension("SMTPUTF8"); ok {
			outOpts.UTF8 = true
		} else {
			var err error
			from, err = address.ToASCII(from)
			if err != nil {
				return &exterrors.SMTPError{
					Code:         550,
					EnhancedCode: exterrors.EnhancedCode{5, 6, 7},
					Message:      "SMTPUTF8 is unsupported, cannot convert sender address",
					Misc:         map[string]interface{}{"remote_server": c.serverName},
					Err:          err,
				}
			}
		}
	}

	if err := c.cl.Mail(from, &outOpts); err != nil {
		return c.annotateErr(err, c.serverName)
	}

	c.Log.DebugMsg("connected", "remote_server", c.serverName)
	return nil
}

// Rcpt sends the RCPT TO command, applying the same SMTPUTF8 downgrade
// logic as Mail.
func (c *C) Rcpt(ctx context.Context, to string, opts smtp.RcptOptions) error {
	defer trace.StartRegion(ctx, "smtpconn/RCPT TO").End()

	if ok, _ := c.cl.Extension("SMTPUTF8"); !ok && !address.IsASCII(to) {
		var err error
		to, err = address.ToASCII(to)
		if err != nil {
			return &exterrors.SMTPError{
				Code:         553,
				EnhancedCode: exterrors.EnhancedCode{5, 6, 7},
				Message:      "SMTPUTF8 is unsupported, cannot convert recipient address",
				Misc:         map[string]interface{}{"remote_server": c.serverName},
				Err:          err,
			}
		}
	}

	if err := c.cl.Rcpt(to, &opts); err != nil {
		return c.annotateErr(err, c.serverName)
	}

	c.rcpts = append(c.rcpts, to)
	return nil
}

// Data transmits the message. For LMTP sessions the final status is the
// merged per-recipient status set.
//
// If Data fails, the connection may be left in the middle of the message
// stream and is not safe to keep using.
func (c *C) Data(ctx context.Context, hdr textproto.Header, body io.Reader) error {
	defer trace.StartRegion(ctx, "smtpconn/DATA").End()

	if c.lmtp {
		statuses := lmtpStatuses{}
		if err := c.LMTPData(ctx, hdr, body, statuses.set); err != nil {
			return err
		}
		return statuses.collapse()
	}

	wc, err := c.cl.Data()
	if err != nil {
		return c.annotateErr(err, c.serverName)
	}
	if err := c.writeMsg(wc, hdr, body); err != nil {
		return err
	}
	return c.annotateErr(wc.Close(), c.serverName)
}

// LMTPData transmits the message over LMTP, reporting per-recipient
// statuses via statusCb as they arrive.
func (c *C) LMTPData(ctx context.Context, hdr textproto.Header, body io.Reader, statusCb func(string, *smtp.SMTPError)) error {
	defer trace.StartRegion(ctx, "smtpconn/LMTP DATA").End()

	wc, err := c.cl.LMTPData(statusCb)
	if err != nil {
		return c.annotateErr(err, c.serverName)
	}
	if err := c.writeMsg(wc, hdr, body); err != nil {
		return err
	}
	return c.annotateErr(wc.Close(), c.serverName)
}

func (c *C) writeMsg(wc io.WriteCloser, hdr textproto.Header, body io.Reader) error {
	if err := textproto.WriteHeader(wc, hdr); err != nil {
		return c.annotateErr(err, c.serverName)
	}
	if _, err := io.Copy(wc, body); err != nil {
		return c.annotateErr(err, c.serverName)
	}
	return nil
}

// lmtpStatuses accumulates the per-recipient LMTP replies so they can be
// reported as a single error by Data.
type lmtpStatuses map[string]*smtp.SMTPError

func (l lmtpStatuses) set(rcptTo string, err *smtp.SMTPError) {
	l[rcptTo] = err
}

func (l lmtpStatuses) collapse() error {
	var (
		failures int
		last     *smtp.SMTPError
	)
	for _, err := range l {
		if err == nil {
			continue
		}
		failures++
		last = err
	}

	switch failures {
	case 0:
		return nil
	case 1:
		return last
	default:
		return fmt.Errorf("multiple errors reported by the LMTP downstream: %v", map[string]*smtp.SMTPError(l))
	}
}

// Rcpts returns the recipients accepted by the remote server so far.
func (c *C) Rcpts() []string {
	return c.rcpts
}

func (c *C) ServerName() string {
	return c.serverName
}

func (c *C) Client() *smtp.Client {
	return c.cl
}

func (c *C) IsLMTP() bool {
	return c.lmtp
}

func (c *C) Noop() error {
	if c.cl == nil {
		return errors.New("smtpconn: not connected")
	}
	return c.cl.Noop()
}

// Close ends the session with QUIT, falling back to dropping the
// connection if even that fails.
func (c *C) Close() error {
	if err := c.cl.Quit(); err != nil {
		c.Log.Error("QUIT error", c.annotateErr(err, c.serverName))
		return c.cl.Close()
	}

	c.cl = nil
	c.serverName = ""
	return nil
}

// DirectClose drops the connection without the QUIT exchange. Used when
// the session state is known to be broken.
func (c *C) DirectClose() error {
	c.cl.Close()
	c.cl = nil
	c.serverName = ""
	return nil
}
