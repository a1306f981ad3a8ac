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

// Package milter implements the check.milter module that runs the
// message through an external filter speaking the Sendmail milter
// protocol (via emersion/go-milter).
//
// Supported modification actions are limited to header additions and
// the quarantine verdict; envelope changes requested by the filter are
// logged and ignored.
package milter

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-milter"
	"github.com/foxcpp/ferrum/framework/buffer"
	"github.com/foxcpp/ferrum/framework/config"
	"github.com/foxcpp/ferrum/framework/exterrors"
	"github.com/foxcpp/ferrum/framework/log"
	"github.com/foxcpp/ferrum/framework/module"
	"github.com/foxcpp/ferrum/internal/target"
)

const modName = "check.milter"

type Check struct {
	cl        *milter.Client
	milterUrl string
	failOpen  bool
	instName  string
	log       log.Logger
}

func New(_, instName string, _, inlineArgs []string) (module.Module, error) {
	c := &Check{
		instName: instName,
		log:      log.Logger{Name: modName, Debug: log.DefaultLogger.Debug},
	}
	switch len(inlineArgs) {
	case 0:
	case 1:
		c.milterUrl = inlineArgs[0]
	default:
		return nil, fmt.Errorf("%s: unexpected amount of arguments, want 1 or 0", modName)
	}
	return c, nil
}

func (c *Check) Name() string {
	return modName
}

func (c *Check) InstanceName() string {
	return c.instName
}

func (c *Check) Init(cfg *config.Map) error {
	cfg.String("endpoint", false, false, c.milterUrl, &c.milterUrl)
	cfg.Bool("fail_open", false, false, &c.failOpen)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	if c.milterUrl == "" {
		return fmt.Errorf("%s: milter endpoint is not set", modName)
	}
	endp, err := config.ParseEndpoint(c.milterUrl)
	if err != nil {
		return fmt.Errorf("%s: %v", modName, err)
	}
	switch endp.Scheme {
	case "tcp", "unix":
	default:
		return fmt.Errorf("%s: scheme unsupported: %v", modName, endp.Scheme)
	}
	if endp.Path != "" && endp.Scheme == "tcp" {
		return fmt.Errorf("%s: stray path in endpoint: %v", modName, endp)
	}

	c.cl = milter.NewClientWithOptions(endp.Network(), endp.Address(), milter.ClientOptions{
		Dialer: &net.Dialer{
			Timeout: 10 * time.Second,
		},
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		ActionMask:   milter.OptAddHeader | milter.OptQuarantine,
		ProtocolMask: 0,
	})

	return nil
}

type state struct {
	c          *Check
	session    *milter.ClientSession
	msgMeta    *module.MsgMetadata
	skipChecks bool
	log        log.Logger
}

func (c *Check) CheckStateForMsg(ctx context.Context, msgMeta *module.MsgMetadata) (module.CheckState, error) {
	session, err := c.cl.Session()
	if err != nil {
		return nil, err
	}
	return &state{
		c:       c,
		session: session,
		msgMeta: msgMeta,
		log:     target.DeliveryLogger(c.log, msgMeta),
	}, nil
}

// rejection builds the reply for a filter-requested rejection.
func (s *state) rejection(code int, enchFirst int, reason string) module.CheckResult {
	return module.CheckResult{
		Reject: true,
		Reason: &exterrors.SMTPError{
			Code:         code,
			EnhancedCode: exterrors.EnhancedCode{enchFirst, 7, 1},
			Message:      "Message rejected due to local policy",
			Reason:       reason,
			CheckName:    modName,
			Misc: map[string]interface{}{
				"milter": s.c.milterUrl,
			},
		},
	}
}

// handleAction translates the filter verdict for the latest event.
func (s *state) handleAction(act *milter.Action) module.CheckResult {
	switch act.Code {
	case milter.ActAccept:
		// "Accept" skips all further filtering for the message.
		s.skipChecks = true
		return module.CheckResult{}
	case milter.ActContinue:
		return module.CheckResult{}
	case milter.ActReplyCode:
		return s.rejection(act.SMTPCode, 5, "reply code action")
	case milter.ActDiscard:
		s.log.Msg("silent discard is not supported, rejecting message")
		return s.rejection(450, 4, "reject action")
	case milter.ActTempFail:
		return s.rejection(450, 4, "reject action")
	case milter.ActReject:
		return s.rejection(550, 5, "reject action")
	default:
		s.log.Msg("unknown action code ignored", "code", act.Code, "milter", s.c.milterUrl)
		return module.CheckResult{}
	}
}

// applyModifications folds the end-of-message modification list into the
// check result.
func (s *state) applyModifications(acts []milter.ModifyAction, res module.CheckResult) module.CheckResult {
	for _, act := range acts {
		switch act.Code {
		case milter.ActAddRcpt, milter.ActDelRcpt:
			s.log.Msg("envelope changes are not supported", "rcpt", act.Rcpt, "code", act.Code, "milter", s.c.milterUrl)
		case milter.ActChangeFrom:
			s.log.Msg("envelope changes are not supported", "from", act.From, "code", act.Code, "milter", s.c.milterUrl)
		case milter.ActChangeHeader:
			s.log.Msg("header field changes are not supported", "field", act.HeaderName, "milter", s.c.milterUrl)
		case milter.ActInsertHeader:
			if act.HeaderIndex != 1 {
				s.log.Msg("header inserting not on top is not supported, prepending instead", "field", act.HeaderName, "milter", s.c.milterUrl)
			}
			fallthrough
		case milter.ActAddHeader:
			// The filter may have folded the field value deliberately
			// (e.g. a DKIM signature), keep the exact bytes.
			field := make([]byte, 0, len(act.HeaderName)+2+len(act.HeaderValue)+2)
			field = append(field, act.HeaderName...)
			field = append(field, ':', ' ')
			field = append(field, act.HeaderValue...)
			field = append(field, '\r', '\n')
			res.Header.AddRaw(field)
		case milter.ActQuarantine:
			res.Quarantine = true
			res.Reason = exterrors.WithFields(errors.New("milter quarantine action"), map[string]interface{}{
				"check":  modName,
				"milter": s.c.milterUrl,
				"reason": act.Reason,
			})
		}
	}
	return res
}

func (s *state) ioError(err error) module.CheckResult {
	if s.c.failOpen {
		// Silently let the message through.
		s.skipChecks = true
		s.c.log.Error("I/O error", err)
		return module.CheckResult{}
	}

	return module.CheckResult{
		Reject: true,
		Reason: &exterrors.SMTPError{
			Code:         451,
			EnhancedCode: exterrors.EnhancedCode{4, 7, 1},
			Message:      "I/O error during policy check",
			Err:          err,
			CheckName:    modName,
			Misc: map[string]interface{}{
				"milter": s.c.milterUrl,
			},
		},
	}
}

// connFamily converts the connection address into the milter protocol
// representation.
func connFamily(remoteAddr net.Addr) (family milter.ProtoFamily, addr string, port uint16) {
	switch rAddr := remoteAddr.(type) {
	case *net.TCPAddr:
		if v4 := rAddr.IP.To4(); v4 != nil {
			// Take care to not send an IPv6-mapped IPv4 address.
			return milter.FamilyInet, v4.String(), uint16(rAddr.Port)
		}
		return milter.FamilyInet6, rAddr.IP.String(), uint16(rAddr.Port)
	case *net.UnixAddr:
		return milter.FamilyUnix, rAddr.Name, 0
	default:
		return milter.FamilyUnknown, "", 0
	}
}

// tlsMacros builds the HELO-stage macro list describing the TLS session.
func tlsMacros(tlsState tls.ConnectionState) []string {
	fields := make([]string, 0, 4*2)

	if version, ok := map[uint16]string{
		tls.VersionTLS10: "TLSv1",
		tls.VersionTLS11: "TLSv1.1",
		tls.VersionTLS12: "TLSv1.2",
		tls.VersionTLS13: "TLSv1.3",
	}[tlsState.Version]; ok {
		fields = append(fields, "tls_version", version)
	}
	fields = append(fields, "cipher", tls.CipherSuiteName(tlsState.CipherSuite))

	if len(tlsState.PeerCertificates) != 0 {
		root := tlsState.PeerCertificates[len(tlsState.PeerCertificates)-1]
		fields = append(fields, "cert_subject", root.Subject.String())
		fields = append(fields, "cert_issuer", root.Issuer.String())
	}
	return fields
}

func (s *state) CheckConnection(ctx context.Context) module.CheckResult {
	if s.msgMeta.Conn == nil {
		// A locally generated message; report placeholder connection
		// information.
		act, err := s.session.Conn("localhost", milter.FamilyInet, 25, "127.0.0.1")
		if err != nil {
			return s.ioError(err)
		}
		if act.Code != milter.ActContinue {
			return s.handleAction(act)
		}

		act, err = s.session.Helo("localhost")
		if err != nil {
			return s.ioError(err)
		}
		return s.handleAction(act)
	}

	if !s.session.ProtocolOption(milter.OptNoConnect) {
		if err := s.session.Macros(milter.CodeConn,
			"daemon_name", "ferrum",
			"if_name", "unknown",
			"if_addr", "0.0.0.0",
		); err != nil {
			return s.ioError(err)
		}

		family, addr, port := connFamily(s.msgMeta.Conn.RemoteAddr)
		act, err := s.session.Conn(s.msgMeta.Conn.Hostname, family, port, addr)
		if err != nil {
			return s.ioError(err)
		}
		if act.Code != milter.ActContinue {
			return s.handleAction(act)
		}
	}

	if !s.session.ProtocolOption(milter.OptNoHelo) {
		if s.msgMeta.Conn.TLS.HandshakeComplete {
			if err := s.session.Macros(milter.CodeHelo, tlsMacros(s.msgMeta.Conn.TLS)...); err != nil {
				return s.ioError(err)
			}
		}
		act, err := s.session.Helo(s.msgMeta.Conn.Hostname)
		if err != nil {
			return s.ioError(err)
		}
		return s.handleAction(act)
	}

	return module.CheckResult{}
}

func (s *state) CheckSender(ctx context.Context, mailFrom string) module.CheckResult {
	if s.skipChecks || s.session.ProtocolOption(milter.OptNoMailFrom) {
		return module.CheckResult{}
	}

	fields := []string{"i", s.msgMeta.ID}
	if s.msgMeta.Conn.AuthUser != "" {
		fields = append(fields, "auth_authen", s.msgMeta.Conn.AuthUser)
	}
	if err := s.session.Macros(milter.CodeMail, fields...); err != nil {
		return s.ioError(err)
	}

	var esmtpArgs []string
	if s.msgMeta.SMTPOpts.UTF8 {
		esmtpArgs = append(esmtpArgs, "SMTPUTF8")
	}

	act, err := s.session.Mail(mailFrom, esmtpArgs)
	if err != nil {
		return s.ioError(err)
	}
	return s.handleAction(act)
}

func (s *state) CheckRcpt(ctx context.Context, rcptTo string) module.CheckResult {
	if s.skipChecks {
		return module.CheckResult{}
	}

	act, err := s.session.Rcpt(rcptTo, nil)
	if err != nil {
		return s.ioError(err)
	}
	return s.handleAction(act)
}

func (s *state) CheckBody(ctx context.Context, header textproto.Header, body buffer.Buffer) module.CheckResult {
	if s.skipChecks {
		return module.CheckResult{}
	}

	act, err := s.session.Header(header)
	if err != nil {
		return s.ioError(err)
	}
	if act.Code != milter.ActContinue {
		return s.handleAction(act)
	}

	var modifyActs []milter.ModifyAction
	if s.session.ProtocolOption(milter.OptNoBody) {
		modifyActs, act, err = s.session.End()
		if err != nil {
			return s.ioError(err)
		}
	} else {
		r, err := body.Open()
		if err != nil {
			// Not ioError: fail_open applies to the filter I/O only, not
			// to local storage problems.
			return module.CheckResult{
				Reject: true,
				Reason: &exterrors.SMTPError{
					Code:         451,
					EnhancedCode: exterrors.EnhancedCode{4, 7, 1},
					Message:      "Internal error during policy check",
					Err:          err,
					CheckName:    modName,
					Misc: map[string]interface{}{
						"milter": s.c.milterUrl,
					},
				},
			}
		}
		defer r.Close()

		modifyActs, act, err = s.session.BodyReadFrom(r)
		if err != nil {
			return s.ioError(err)
		}
	}

	return s.applyModifications(modifyActs, s.handleAction(act))
}

func (s *state) Close() error {
	return s.session.Close()
}

var (
	_ module.Check      = &Check{}
	_ module.CheckState = &state{}
)

func init() {
	module.Register(modName, New)
}
