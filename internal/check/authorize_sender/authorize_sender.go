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

// Package authorize_sender implements the check.authorize_sender module:
// it verifies that the authenticated user is allowed to use the claimed
// sender identity, both the envelope one (MAIL FROM) and, optionally,
// the header ones (From/Sender).
package authorize_sender

import (
	"context"
	"fmt"
	"net/mail"

	"github.com/emersion/go-message/textproto"
	"github.com/foxcpp/ferrum/framework/buffer"
	"github.com/foxcpp/ferrum/framework/config"
	modconfig "github.com/foxcpp/ferrum/framework/config/module"
	"github.com/foxcpp/ferrum/framework/exterrors"
	"github.com/foxcpp/ferrum/framework/log"
	"github.com/foxcpp/ferrum/framework/module"
	"github.com/foxcpp/ferrum/internal/authz"
	"github.com/foxcpp/ferrum/internal/table"
	"github.com/foxcpp/ferrum/internal/target"
)

const modName = "check.authorize_sender"

type Check struct {
	instName string
	log      log.Logger

	checkHeader  bool
	emailPrepare module.Table
	userToEmail  module.Table

	unauthAction  modconfig.FailAction
	noMatchAction modconfig.FailAction
	errAction     modconfig.FailAction

	fromNorm authz.NormalizeFunc
	authNorm authz.NormalizeFunc
}

func New(_, instName string, _, inlineArgs []string) (module.Module, error) {
	return &Check{
		instName: instName,
	}, nil
}

func (c *Check) Name() string {
	return modName
}

func (c *Check) InstanceName() string {
	return c.instName
}

func (c *Check) Init(cfg *config.Map) error {
	var authNormalize, fromNormalize string

	cfg.Bool("debug", true, false, &c.log.Debug)
	cfg.Bool("check_header", false, true, &c.checkHeader)
	cfg.Custom("prepare_email", false, false, func() (interface{}, error) {
		return &table.Identity{}, nil
	}, modconfig.TableDirective, &c.emailPrepare)
	cfg.Custom("user_to_email", false, false, func() (interface{}, error) {
		return &table.Identity{}, nil
	}, modconfig.TableDirective, &c.userToEmail)
	cfg.Custom("unauth_action", false, false, func() (interface{}, error) {
		return modconfig.FailAction{Reject: true}, nil
	}, modconfig.FailActionDirective, &c.unauthAction)
	cfg.Custom("no_match_action", false, false, func() (interface{}, error) {
		return modconfig.FailAction{Reject: true}, nil
	}, modconfig.FailActionDirective, &c.noMatchAction)
	cfg.Custom("err_action", false, false, func() (interface{}, error) {
		return modconfig.FailAction{Reject: true}, nil
	}, modconfig.FailActionDirective, &c.errAction)
	cfg.String("auth_normalize", false, false, "precis_casefold_email", &authNormalize)
	cfg.String("from_normalize", false, false, "precis_casefold_email", &fromNormalize)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	var ok bool
	if c.authNorm, ok = authz.NormalizeFuncs[authNormalize]; !ok {
		return fmt.Errorf("%v: unknown normalization function: %v", modName, authNormalize)
	}
	if c.fromNorm, ok = authz.NormalizeFuncs[fromNormalize]; !ok {
		return fmt.Errorf("%v: unknown normalization function: %v", modName, fromNormalize)
	}

	return nil
}

type state struct {
	c       *Check
	msgMeta *module.MsgMetadata
	log     log.Logger
}

func (c *Check) CheckStateForMsg(_ context.Context, msgMeta *module.MsgMetadata) (module.CheckState, error) {
	return &state{
		c:       c,
		msgMeta: msgMeta,
		log:     target.DeliveryLogger(c.log, msgMeta),
	}, nil
}

// rejectWith is a small helper constructing action-wrapped failures.
func rejectWith(action modconfig.FailAction, code int, enchCode exterrors.EnhancedCode, message string, err error) module.CheckResult {
	return action.Apply(module.CheckResult{
		Reason: &exterrors.SMTPError{
			Code:         code,
			EnhancedCode: enchCode,
			Message:      message,
			CheckName:    modName,
			Err:          err,
		},
	})
}

// prepareEmail maps the sender address through the prepare_email table
// (canonicalizing aliases and the like). With no mapping the address is
// used as-is.
func (s *state) prepareEmail(ctx context.Context, email string) ([]string, error) {
	if multi, ok := s.c.emailPrepare.(module.MultiTable); ok {
		prepared, err := multi.LookupMulti(ctx, email)
		if err != nil {
			return nil, err
		}
		if len(prepared) != 0 {
			return prepared, nil
		}
		return []string{email}, nil
	}

	prepared, ok, err := s.c.emailPrepare.Lookup(ctx, email)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []string{email}, nil
	}
	return []string{prepared}, nil
}

// authzSender decides whether authName is permitted to send as email.
func (s *state) authzSender(ctx context.Context, authName, email string) module.CheckResult {
	if authName == "" {
		return rejectWith(s.c.unauthAction, 530, exterrors.EnhancedCode{5, 7, 0},
			"Authentication required", nil)
	}

	emailNorm, err := s.c.fromNorm(email)
	if err != nil {
		return rejectWith(s.c.errAction, 553, exterrors.EnhancedCode{5, 1, 7},
			"Unable to normalize sender address", err)
	}
	authNameNorm, err := s.c.authNorm(authName)
	if err != nil {
		return rejectWith(s.c.errAction, 535, exterrors.EnhancedCode{5, 7, 8},
			"Unable to normalize authorization username", err)
	}
	s.log.DebugMsg("normalized names", "from", emailNorm, "auth", authNameNorm)

	preparedEmail, err := s.prepareEmail(ctx, emailNorm)
	if err != nil {
		return rejectWith(s.c.errAction, 454, exterrors.EnhancedCode{4, 7, 0},
			"Internal error during policy check", err)
	}
	s.log.DebugMsg("authorized emails", "preparedEmail", preparedEmail)

	ok, err := authz.AuthorizeEmailUse(ctx, authNameNorm, preparedEmail, s.c.userToEmail)
	if err != nil {
		return rejectWith(s.c.errAction, 454, exterrors.EnhancedCode{4, 7, 0},
			"Internal error during policy check", err)
	}
	if !ok {
		return rejectWith(s.c.noMatchAction, 553, exterrors.EnhancedCode{5, 7, 0},
			"Unauthorized use of sender address", nil)
	}

	return module.CheckResult{}
}

func (s *state) CheckConnection(_ context.Context) module.CheckResult {
	return module.CheckResult{}
}

func (s *state) CheckSender(ctx context.Context, fromEmail string) module.CheckResult {
	if s.msgMeta.Conn == nil {
		s.log.Msg("skipping locally generated message")
		return module.CheckResult{}
	}

	return s.authzSender(ctx, s.msgMeta.Conn.AuthUser, fromEmail)
}

func (s *state) CheckRcpt(_ context.Context, _ string) module.CheckResult {
	return module.CheckResult{}
}

// headerIdentities extracts the From address and, when present, the
// Sender address of the message header.
func headerIdentities(hdr textproto.Header) (from, sender string, err error) {
	fromHdr := hdr.Get("From")
	if fromHdr == "" {
		return "", "", fmt.Errorf("missing From header")
	}
	list, err := mail.ParseAddressList(fromHdr)
	if err != nil || len(list) == 0 {
		return "", "", fmt.Errorf("malformed From header")
	}
	if len(list) > 1 {
		return "", "", fmt.Errorf("multiple From addresses are not allowed")
	}
	from = list[0].Address

	if senderHdr := hdr.Get("Sender"); senderHdr != "" {
		addr, err := mail.ParseAddress(senderHdr)
		if err != nil {
			return "", "", fmt.Errorf("malformed Sender header")
		}
		sender = addr.Address
	}
	return from, sender, nil
}

func (s *state) CheckBody(ctx context.Context, hdr textproto.Header, _ buffer.Buffer) module.CheckResult {
	if !s.c.checkHeader {
		return module.CheckResult{}
	}
	if s.msgMeta.Conn == nil {
		s.log.Msg("skipping locally generated message")
		return module.CheckResult{}
	}
	authName := s.msgMeta.Conn.AuthUser

	fromEmail, senderEmail, err := headerIdentities(hdr)
	if err != nil {
		return rejectWith(s.c.errAction, 550, exterrors.EnhancedCode{5, 7, 0},
			"Malformed sender identity in header", err)
	}

	// Either the From or the Sender identity being authorized is enough.
	res := s.authzSender(ctx, authName, fromEmail)
	if res.Reason == nil {
		return res
	}
	if senderEmail != "" && senderEmail != fromEmail {
		if res := s.authzSender(ctx, authName, senderEmail); res.Reason == nil {
			return res
		}
	}

	return rejectWith(s.c.noMatchAction, 553, exterrors.EnhancedCode{5, 7, 0},
		"Unauthorized use of sender address", nil)
}

func (s *state) Close() error {
	return nil
}

func init() {
	module.Register(modName, New)
}
