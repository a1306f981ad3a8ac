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

// Package rspamd implements the check.rspamd module submitting the
// message to an rspamd instance over its HTTP protocol (/checkv2) and
// mapping the returned action onto the pipeline check actions.
package rspamd

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/emersion/go-message/textproto"
	"github.com/foxcpp/ferrum/framework/buffer"
	"github.com/foxcpp/ferrum/framework/config"
	modconfig "github.com/foxcpp/ferrum/framework/config/module"
	"github.com/foxcpp/ferrum/framework/exterrors"
	"github.com/foxcpp/ferrum/framework/log"
	"github.com/foxcpp/ferrum/framework/module"
	"github.com/foxcpp/ferrum/internal/target"
)

const modName = "check.rspamd"

type Check struct {
	instName string
	log      log.Logger

	apiPath    string
	flags      string
	settingsID string
	tag        string
	mtaName    string

	ioErrAction       modconfig.FailAction
	errorRespAction   modconfig.FailAction
	addHdrAction      modconfig.FailAction
	rewriteSubjAction modconfig.FailAction

	client *http.Client
}

func New(modName, instName string, _, inlineArgs []string) (module.Module, error) {
	c := &Check{
		instName: instName,
		client:   http.DefaultClient,
		log:      log.Logger{Name: modName, Debug: log.DefaultLogger.Debug},
	}

	switch len(inlineArgs) {
	case 0:
		c.apiPath = "http://127.0.0.1:11333"
	case 1:
		c.apiPath = inlineArgs[0]
	default:
		return nil, fmt.Errorf("%s: unexpected amount of inline arguments", modName)
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
	var (
		tlsConfig *tls.Config
		flags     []string
	)

	cfg.Custom("tls_client", true, false, func() (interface{}, error) {
		return &tls.Config{}, nil
	}, config.TLSClientBlock, &tlsConfig)
	cfg.String("api_path", false, false, c.apiPath, &c.apiPath)
	cfg.String("settings_id", false, false, "", &c.settingsID)
	cfg.String("tag", false, false, "ferrum", &c.tag)
	cfg.String("hostname", true, false, "", &c.mtaName)
	cfg.Custom("io_error_action", false, false,
		func() (interface{}, error) {
			return modconfig.FailAction{}, nil
		}, modconfig.FailActionDirective, &c.ioErrAction)
	cfg.Custom("error_resp_action", false, false,
		func() (interface{}, error) {
			return modconfig.FailAction{}, nil
		}, modconfig.FailActionDirective, &c.errorRespAction)
	cfg.Custom("add_header_action", false, false,
		func() (interface{}, error) {
			return modconfig.FailAction{Quarantine: true}, nil
		}, modconfig.FailActionDirective, &c.addHdrAction)
	cfg.Custom("rewrite_subj_action", false, false,
		func() (interface{}, error) {
			return modconfig.FailAction{Quarantine: true}, nil
		}, modconfig.FailActionDirective, &c.rewriteSubjAction)
	cfg.StringList("flags", false, false, []string{"pass_all"}, &flags)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	c.client = &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: tlsConfig,
		},
	}
	c.flags = strings.Join(flags, ",")

	return nil
}

type state struct {
	c       *Check
	msgMeta *module.MsgMetadata
	log     log.Logger

	mailFrom string
	rcpts    []string
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

func (s *state) CheckSender(ctx context.Context, addr string) module.CheckResult {
	s.mailFrom = addr
	return module.CheckResult{}
}

func (s *state) CheckRcpt(ctx context.Context, addr string) module.CheckResult {
	s.rcpts = append(s.rcpts, addr)
	return module.CheckResult{}
}

func (s *state) internalError(err error, enchDetail int) module.CheckResult {
	return s.c.ioErrAction.Apply(module.CheckResult{
		Reason: &exterrors.SMTPError{
			Code:         451,
			EnhancedCode: exterrors.EnhancedCode{4, enchDetail, 0},
			Message:      "Internal error during policy check",
			CheckName:    modName,
			Err:          err,
		},
	})
}

// buildRequest prepares the /checkv2 request: the message stream plus
// the metadata rspamd consumes via its X- protocol headers.
func (s *state) buildRequest(hdr textproto.Header, body buffer.Buffer) (*http.Request, error) {
	bodyR, err := body.Open()
	if err != nil {
		return nil, err
	}

	var hdrBlob bytes.Buffer
	if err := textproto.WriteHeader(&hdrBlob, hdr); err != nil {
		bodyR.Close()
		return nil, err
	}

	r, err := http.NewRequest("POST", s.c.apiPath+"/checkv2", io.MultiReader(&hdrBlob, bodyR))
	if err != nil {
		bodyR.Close()
		return nil, err
	}

	r.Header.Add("Pass", "all")
	r.Header.Add("User-Agent", "ferrum")
	if s.c.tag != "" {
		r.Header.Add("MTA-Tag", s.c.tag)
	}
	if s.c.settingsID != "" {
		r.Header.Add("Settings-ID", s.c.settingsID)
	}
	if s.c.mtaName != "" {
		r.Header.Add("MTA-Name", s.c.mtaName)
	}
	r.Header.Add("Queue-ID", s.msgMeta.ID)
	r.Header.Add("From", s.mailFrom)
	for _, rcpt := range s.rcpts {
		r.Header.Add("Rcpt", rcpt)
	}
	r.Header.Add("Content-Length", strconv.Itoa(body.Len()))

	if conn := s.msgMeta.Conn; conn != nil {
		if conn.AuthUser != "" {
			r.Header.Add("User", conn.AuthUser)
		}
		if tcpAddr, ok := conn.RemoteAddr.(*net.TCPAddr); ok {
			r.Header.Add("IP", tcpAddr.IP.String())
		}
		r.Header.Add("Helo", conn.Hostname)
		if name, err := conn.RDNSName.Get(); err == nil && name != nil {
			r.Header.Add("Hostname", name.(string))
		}

		if conn.TLS.HandshakeComplete {
			r.Header.Add("TLS-Cipher", tls.CipherSuiteName(conn.TLS.CipherSuite))
			if version, ok := map[uint16]string{
				tls.VersionTLS13: "1.3",
				tls.VersionTLS12: "1.2",
				tls.VersionTLS11: "1.1",
				tls.VersionTLS10: "1.0",
			}[conn.TLS.Version]; ok {
				r.Header.Add("TLS-Version", version)
			}
		}
	}

	return r, nil
}

// response is the subset of the /checkv2 reply we consume.
type response struct {
	Score   float64 `json:"score"`
	Action  string  `json:"action"`
	Subject string  `json:"subject"`
	Symbols map[string]struct {
		Name  string  `json:"name"`
		Score float64 `json:"score"`
	}
}

// applyVerdict maps the rspamd action onto a check result.
func (s *state) applyVerdict(verdict response) module.CheckResult {
	spamHeader := func(flag bool) textproto.Header {
		var h textproto.Header
		if flag {
			h.Add("X-Spam-Flag", "Yes")
		}
		h.Add("X-Spam-Score", strconv.FormatFloat(verdict.Score, 'f', 2, 64))
		return h
	}
	policyReject := func(code int, action string) *exterrors.SMTPError {
		return &exterrors.SMTPError{
			Code:         code,
			EnhancedCode: exterrors.EnhancedCode{code / 100, 7, 0},
			Message:      "Message rejected due to local policy",
			CheckName:    modName,
			Misc:         map[string]interface{}{"action": action},
		}
	}

	switch verdict.Action {
	case "no action":
		return module.CheckResult{}
	case "greylist":
		// Actual greylisting is not implemented, the score is still
		// recorded for the downstream filters.
		return module.CheckResult{Header: spamHeader(false)}
	case "add header":
		return s.c.addHdrAction.Apply(module.CheckResult{
			Reason: policyReject(450, "add header"),
			Header: spamHeader(true),
		})
	case "rewrite subject":
		return s.c.rewriteSubjAction.Apply(module.CheckResult{
			Reason: policyReject(450, "rewrite subject"),
			Header: spamHeader(true),
		})
	case "soft reject":
		return module.CheckResult{
			Reject: true,
			Reason: policyReject(450, "soft reject"),
		}
	case "reject":
		return module.CheckResult{
			Reject: true,
			Reason: policyReject(550, "reject"),
		}
	}

	s.log.Msg("unhandled action", "action", verdict.Action)
	return module.CheckResult{}
}

func (s *state) CheckBody(ctx context.Context, hdr textproto.Header, body buffer.Buffer) module.CheckResult {
	r, err := s.buildRequest(hdr, body)
	if err != nil {
		return module.CheckResult{
			Reject: true,
			Reason: exterrors.WithFields(err, map[string]interface{}{"check": modName}),
		}
	}

	resp, err := s.c.client.Do(r.WithContext(ctx))
	if err != nil {
		return s.internalError(err, 7)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return s.c.errorRespAction.Apply(module.CheckResult{
			Reason: &exterrors.SMTPError{
				Code:         451,
				EnhancedCode: exterrors.EnhancedCode{4, 7, 0},
				Message:      "Internal error during policy check",
				CheckName:    modName,
				Err:          fmt.Errorf("HTTP %d", resp.StatusCode),
			},
		})
	}

	var verdict response
	if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
		return s.internalError(err, 9)
	}

	return s.applyVerdict(verdict)
}

func (s *state) Close() error {
	return nil
}

func init() {
	module.Register(modName, New)
}
