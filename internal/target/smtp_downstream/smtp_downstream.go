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

// Package smtp_downstream provides the target.smtp module that implements
// message forwarding to a preconfigured set of SMTP or LMTP hosts. It is
// used both for relaying through a smarthost and as the local delivery
// hook (LMTP).
//
// Interfaces implemented:
// - module.DeliveryTarget
package smtp_downstream

import (
	"context"
	"crypto/tls"
	"fmt"
	"runtime/trace"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-smtp"
	"github.com/foxcpp/ferrum/framework/buffer"
	"github.com/foxcpp/ferrum/framework/config"
	"github.com/foxcpp/ferrum/framework/exterrors"
	"github.com/foxcpp/ferrum/framework/log"
	"github.com/foxcpp/ferrum/framework/module"
	"github.com/foxcpp/ferrum/internal/smtpconn"
	"github.com/foxcpp/ferrum/internal/target"
	"golang.org/x/net/idna"
)

func moduleError(err error) error {
	if err == nil {
		return nil
	}

	return exterrors.WithFields(err, map[string]interface{}{
		"target": "smtp_downstream",
	})
}

type Downstream struct {
	instName   string
	targetsArg []string

	requireTLS      bool
	attemptStartTLS bool
	lmtp            bool
	hostname        string
	endpoints       []config.Endpoint
	saslFactory     saslClientFactory
	tlsConfig       *tls.Config

	connectTimeout time.Duration

	log log.Logger
}

func NewDownstream(modName, instName string, _, inlineArgs []string) (module.Module, error) {
	return &Downstream{
		instName:   instName,
		targetsArg: inlineArgs,
		lmtp:       modName == "target.lmtp" || modName == "lmtp_downstream",
		log:        log.Logger{Name: modName},
	}, nil
}

func (u *Downstream) Init(cfg *config.Map) error {
	var targetsArg []string
	cfg.Bool("debug", true, false, &u.log.Debug)
	cfg.Bool("require_tls", false, false, &u.requireTLS)
	cfg.Bool("attempt_starttls", false, !u.lmtp, &u.attemptStartTLS)
	cfg.String("hostname", true, true, "", &u.hostname)
	cfg.StringList("targets", false, false, nil, &targetsArg)
	cfg.Duration("connect_timeout", false, false, 5*time.Minute, &u.connectTimeout)
	cfg.Custom("auth", false, false, func() (interface{}, error) {
		return nil, nil
	}, saslAuthDirective, &u.saslFactory)
	cfg.Custom("tls_client", true, false, func() (interface{}, error) {
		return &tls.Config{}, nil
	}, config.TLSClientBlock, &u.tlsConfig)

	if _, err := cfg.Process(); err != nil {
		return err
	}

	// INTERNATIONALIZATION: See RFC 6531 Section 3.7.1.
	var err error
	u.hostname, err = idna.ToASCII(u.hostname)
	if err != nil {
		return fmt.Errorf("smtp_downstream: cannot represent the hostname as an A-label name: %w", err)
	}

	u.targetsArg = append(u.targetsArg, targetsArg...)
	for _, tgt := range u.targetsArg {
		endp, err := config.ParseEndpoint(tgt)
		if err != nil {
			return err
		}

		u.endpoints = append(u.endpoints, endp)
	}

	if len(u.endpoints) == 0 {
		return fmt.Errorf("smtp_downstream: at least one target endpoint is required")
	}

	return nil
}

func (u *Downstream) Name() string {
	if u.lmtp {
		return "target.lmtp"
	}
	return "target.smtp"
}

func (u *Downstream) InstanceName() string {
	return u.instName
}

type delivery struct {
	u   *Downstream
	log log.Logger

	msgMeta  *module.MsgMetadata
	mailFrom string

	conn *smtpconn.C
}

func (u *Downstream) Start(ctx context.Context, msgMeta *module.MsgMetadata, mailFrom string) (module.Delivery, error) {
	defer trace.StartRegion(ctx, "target.smtp/Start").End()

	d := &delivery{
		u:        u,
		log:      target.DeliveryLogger(u.log, msgMeta),
		msgMeta:  msgMeta,
		mailFrom: mailFrom,
	}
	if err := d.connect(ctx); err != nil {
		return nil, err
	}

	if err := d.conn.Mail(ctx, mailFrom, msgMeta.SMTPOpts); err != nil {
		d.conn.Close()
		return nil, moduleError(err)
	}
	return d, nil
}

func (d *delivery) connect(ctx context.Context) error {
	// TODO: Connection pooling.
	var lastErr error

	conn := smtpconn.New()
	conn.Log = d.log
	conn.Hostname = d.u.hostname
	conn.AddrInSMTPMsg = false
	conn.ConnectTimeout = d.u.connectTimeout
	if d.u.tlsConfig != nil {
		conn.TLSConfig = d.u.tlsConfig.Clone()
	}

	for _, endp := range d.u.endpoints {
		var (
			didTLS bool
			err    error
		)
		if d.u.lmtp {
			didTLS, err = conn.ConnectLMTP(ctx, endp, d.u.attemptStartTLS, d.u.tlsConfig)
		} else {
			didTLS, err = conn.Connect(ctx, endp, d.u.attemptStartTLS, d.u.tlsConfig)
		}
		if err != nil {
			d.log.Msg("connect error", "downstream", endp.String(), "reason", err)
			lastErr = err
			continue
		}

		if d.u.requireTLS && !didTLS {
			conn.Close()
			lastErr = &exterrors.SMTPError{
				Code:         451,
				EnhancedCode: exterrors.EnhancedCode{4, 7, 1},
				Message:      "TLS is required but unsupported by the downstream",
				TargetName:   "smtp_downstream",
			}
			continue
		}

		lastErr = nil
		d.conn = conn
		break
	}
	if lastErr != nil {
		return moduleError(lastErr)
	}
	if d.conn == nil {
		return moduleError(fmt.Errorf("no usable endpoints"))
	}

	if d.u.saslFactory != nil {
		saslClient, err := d.u.saslFactory(d.msgMeta)
		if err != nil {
			d.conn.Close()
			return err
		}

		if err := d.conn.Client().Auth(saslClient); err != nil {
			d.conn.Close()
			return moduleError(err)
		}
	}

	return nil
}

func (d *delivery) AddRcpt(ctx context.Context, rcptTo string) error {
	err := d.conn.Rcpt(ctx, rcptTo, smtp.RcptOptions{})
	return moduleError(err)
}

func (d *delivery) Body(ctx context.Context, header textproto.Header, body buffer.Buffer) error {
	r, err := body.Open()
	if err != nil {
		return exterrors.WithFields(err, map[string]interface{}{"target": "smtp_downstream"})
	}
	defer r.Close()

	return moduleError(d.conn.Data(ctx, header, r))
}

func (d *delivery) BodyNonAtomic(ctx context.Context, sc module.StatusCollector, header textproto.Header, body buffer.Buffer) {
	if !d.conn.IsLMTP() {
		err := d.Body(ctx, header, body)
		for _, rcpt := range d.conn.Rcpts() {
			sc.SetStatus(rcpt, err)
		}
		return
	}

	r, err := body.Open()
	if err != nil {
		err = exterrors.WithFields(err, map[string]interface{}{"target": "smtp_downstream"})
		for _, rcpt := range d.conn.Rcpts() {
			sc.SetStatus(rcpt, err)
		}
		return
	}
	defer r.Close()

	err = d.conn.LMTPData(ctx, header, r, func(rcpt string, err *smtp.SMTPError) {
		if err == nil {
			sc.SetStatus(rcpt, nil)
			return
		}
		sc.SetStatus(rcpt, moduleError(err))
	})
	if err != nil {
		err = moduleError(err)
		for _, rcpt := range d.conn.Rcpts() {
			sc.SetStatus(rcpt, err)
		}
	}
}

func (d *delivery) Abort(ctx context.Context) error {
	d.conn.Close()
	return nil
}

func (d *delivery) Commit(ctx context.Context) error {
	d.conn.Close()
	return nil
}

func init() {
	module.Register("target.smtp", NewDownstream)
	module.Register("target.lmtp", NewDownstream)
}
