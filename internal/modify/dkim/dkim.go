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

// Package dkim implements the modify.dkim modifier signing outgoing
// messages (RFC 6376) with per-domain keys. Missing keys are generated
// on startup together with the TXT record files to publish.
package dkim

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"io"
	"net/mail"
	"runtime/trace"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-msgauth/dkim"
	"github.com/foxcpp/ferrum/framework/address"
	"github.com/foxcpp/ferrum/framework/buffer"
	"github.com/foxcpp/ferrum/framework/config"
	"github.com/foxcpp/ferrum/framework/dns"
	"github.com/foxcpp/ferrum/framework/exterrors"
	"github.com/foxcpp/ferrum/framework/log"
	"github.com/foxcpp/ferrum/framework/module"
	"github.com/foxcpp/ferrum/internal/target"
	"golang.org/x/net/idna"
)

const Day = 86400 * time.Second

// Fields that are "oversigned" (signed once more than they occur) so a
// relay cannot prepend a replacement without breaking the signature.
var oversignDefault = []string{
	// Directly visible to the user.
	"Subject", "Sender", "To", "Cc", "From", "Date",

	// Affect body processing.
	"MIME-Version", "Content-Type", "Content-Transfer-Encoding",

	// Affect user interaction.
	"Reply-To", "In-Reply-To", "Message-Id", "References",

	// Provide additional security benefit for OpenPGP.
	"Autocrypt", "Openpgp",
}

// Fields signed as-is. Not oversigned: mailing list managers and
// intermediate relays legitimately prepend some of these, oversigning
// would break the signature then.
var signDefault = []string{
	"List-Id", "List-Help", "List-Unsubscribe",
	"List-Post", "List-Owner", "List-Archive",

	"Resent-To", "Resent-Sender", "Resent-Message-Id",
	"Resent-Date", "Resent-From", "Resent-Cc",
}

var hashFuncs = map[string]crypto.Hash{
	"sha256": crypto.SHA256,
}

type Modifier struct {
	instName string

	domains        []string
	selector       string
	signers        map[string]crypto.Signer
	oversignHeader []string
	signHeader     []string
	headerCanon    dkim.Canonicalization
	bodyCanon      dkim.Canonicalization
	sigExpiry      time.Duration
	hash           crypto.Hash
	senderMatch    map[string]struct{}
	multipleFromOk bool

	log log.Logger
}

func New(_, instName string, _, inlineArgs []string) (module.Module, error) {
	m := &Modifier{
		instName: instName,
		signers:  map[string]crypto.Signer{},
		log:      log.Logger{Name: "sign_dkim"},
	}

	switch len(inlineArgs) {
	case 0:
	case 1:
		return nil, errors.New("sign_dkim: at least two arguments required")
	default:
		m.domains = inlineArgs[:len(inlineArgs)-1]
		m.selector = inlineArgs[len(inlineArgs)-1]
	}

	return m, nil
}

func (m *Modifier) Name() string {
	return "sign_dkim"
}

func (m *Modifier) InstanceName() string {
	return m.instName
}

func (m *Modifier) Init(cfg *config.Map) error {
	var (
		hashName        string
		keyPathTemplate string
		newKeyAlgo      string
		senderMatch     []string
	)

	cfg.Bool("debug", true, false, &m.log.Debug)
	cfg.StringList("domains", false, false, m.domains, &m.domains)
	cfg.String("selector", false, false, m.selector, &m.selector)
	cfg.String("key_path", false, false, "dkim_keys/{domain}_{selector}.key", &keyPathTemplate)
	cfg.StringList("oversign_fields", false, false, oversignDefault, &m.oversignHeader)
	cfg.StringList("sign_fields", false, false, signDefault, &m.signHeader)
	cfg.Enum("header_canon", false, false,
		[]string{string(dkim.CanonicalizationRelaxed), string(dkim.CanonicalizationSimple)},
		string(dkim.CanonicalizationRelaxed), (*string)(&m.headerCanon))
	cfg.Enum("body_canon", false, false,
		[]string{string(dkim.CanonicalizationRelaxed), string(dkim.CanonicalizationSimple)},
		string(dkim.CanonicalizationRelaxed), (*string)(&m.bodyCanon))
	cfg.Duration("sig_expiry", false, false, 5*Day, &m.sigExpiry)
	cfg.Enum("hash", false, false,
		[]string{"sha256"}, "sha256", &hashName)
	cfg.Enum("newkey_algo", false, false,
		[]string{"rsa4096", "rsa2048", "ed25519"}, "rsa2048", &newKeyAlgo)
	cfg.EnumList("require_sender_match", false, false,
		[]string{"envelope", "auth_domain", "auth_user", "off"}, []string{"envelope"}, &senderMatch)
	cfg.Bool("allow_multiple_from", false, false, &m.multipleFromOk)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	if len(m.domains) == 0 {
		return errors.New("sign_dkim: at least one domain is needed")
	}
	if m.selector == "" {
		return errors.New("sign_dkim: selector is not specified")
	}

	m.senderMatch = make(map[string]struct{}, len(senderMatch))
	for _, method := range senderMatch {
		m.senderMatch[method] = struct{}{}
	}
	if _, off := m.senderMatch["off"]; off && len(senderMatch) != 1 {
		return errors.New("sign_dkim: require_sender_match: 'off' should not be combined with other methods")
	}

	m.hash = hashFuncs[hashName]
	if m.hash == 0 {
		panic("sign_dkim.Init: hash function allowed by the config matcher but not present in hashFuncs")
	}

	return m.loadKeys(keyPathTemplate, newKeyAlgo)
}

func (m *Modifier) loadKeys(keyPathTemplate, newKeyAlgo string) error {
	for _, domain := range m.domains {
		if _, err := idna.ToASCII(domain); err != nil {
			m.log.Printf("warning: unable to convert domain %s to A-labels form, non-EAI messages will not be signed: %v", domain, err)
		}

		keyPath := strings.NewReplacer(
			"{domain}", domain,
			"{selector}", m.selector,
		).Replace(keyPathTemplate)

		signer, newKey, err := m.loadOrGenerateKey(domain, keyPath, newKeyAlgo, false)
		if err != nil {
			return err
		}
		if newKey {
			m.log.Printf("generated a new %s keypair, private key is in %s, TXT record with public key is in %s,\n"+
				"put its contents into TXT record for %s._domainkey.%s to make signing and verification work",
				newKeyAlgo, keyPath, dnsRecordPath(keyPath), m.selector, domain)
		}

		normDomain, err := dns.ForLookup(domain)
		if err != nil {
			return fmt.Errorf("sign_dkim: unable to normalize domain %s: %w", domain, err)
		}
		m.signers[normDomain] = signer
	}
	return nil
}

// fieldsToSign builds the h= list: every occurrence of each configured
// field, plus one more for the oversigned set.
func (m *Modifier) fieldsToSign(h *textproto.Header) []string {
	seen := make(map[string]struct{})
	res := make([]string, 0, len(m.oversignHeader)+len(m.signHeader))

	addField := func(key string, oversign bool) {
		// Deduplicate the configured lists, duplicated names would
		// trip up go-msgauth.
		if _, ok := seen[strings.ToLower(key)]; ok {
			return
		}
		seen[strings.ToLower(key)] = struct{}{}

		for field := h.FieldsByKey(key); field.Next(); {
			res = append(res, key)
		}
		if oversign {
			res = append(res, key)
		}
	}

	for _, key := range m.oversignHeader {
		addField(key, true)
	}
	for _, key := range m.signHeader {
		addField(key, false)
	}
	return res
}

type state struct {
	m    *Modifier
	meta *module.MsgMetadata
	from string
	log  log.Logger
}

func (m *Modifier) ModStateForMsg(ctx context.Context, msgMeta *module.MsgMetadata) (module.ModifierState, error) {
	return &state{
		m:    m,
		meta: msgMeta,
		log:  target.DeliveryLogger(m.log, msgMeta),
	}, nil
}

func (s *state) RewriteSender(ctx context.Context, mailFrom string) (string, error) {
	s.from = mailFrom
	return mailFrom, nil
}

func (s *state) RewriteRcpt(ctx context.Context, rcptTo string) ([]string, error) {
	return []string{rcptTo}, nil
}

// signingIdentityOK verifies the require_sender_match constraints: the
// header From must correspond to the envelope sender and/or the
// authenticated user before a signature is attached.
func (s *state) signingIdentityOK(h *textproto.Header) bool {
	if _, off := s.m.senderMatch["off"]; off {
		return true
	}

	fromAddrs, err := parseFrom(h, s.m.multipleFromOk)
	if err != nil {
		s.log.Error("From field check failed", err)
		return false
	}
	fromAddr := fromAddrs[0]
	_, fromDomain, err := address.Split(fromAddr)
	if err != nil {
		return false
	}

	if _, ok := s.m.senderMatch["envelope"]; ok {
		if !address.Equal(fromAddr, s.from) {
			s.log.Msg("not signing, From does not match envelope sender", "from", fromAddr, "envelope", s.from)
			return false
		}
	}
	if _, ok := s.m.senderMatch["auth_domain"]; ok {
		authDomain := ""
		if s.meta.Conn != nil {
			if indx := strings.LastIndexByte(s.meta.Conn.AuthUser, '@'); indx != -1 {
				authDomain = s.meta.Conn.AuthUser[indx+1:]
			}
		}
		if !dns.Equal(fromDomain, authDomain) {
			s.log.Msg("not signing, From domain does not match auth. user domain", "from", fromAddr)
			return false
		}
	}
	if _, ok := s.m.senderMatch["auth_user"]; ok {
		authUser := ""
		if s.meta.Conn != nil {
			authUser = s.meta.Conn.AuthUser
		}
		fromMbox, _, _ := address.Split(fromAddr)
		if !address.Equal(fromAddr, authUser) && !strings.EqualFold(fromMbox, authUser) {
			s.log.Msg("not signing, From does not match auth. user", "from", fromAddr)
			return false
		}
	}

	return true
}

func parseFrom(h *textproto.Header, multipleOk bool) ([]string, error) {
	fromHdr := h.Get("From")
	if fromHdr == "" {
		return nil, errors.New("sign_dkim: missing From field")
	}
	list, err := mail.ParseAddressList(fromHdr)
	if err != nil {
		return nil, fmt.Errorf("sign_dkim: malformed From field: %w", err)
	}
	if len(list) > 1 && !multipleOk {
		return nil, errors.New("sign_dkim: multiple From addresses are not allowed")
	}
	if len(list) == 0 {
		return nil, errors.New("sign_dkim: empty From field")
	}

	addrs := make([]string, 0, len(list))
	for _, addr := range list {
		addrs = append(addrs, addr.Address)
	}
	return addrs, nil
}

func (s *state) RewriteBody(ctx context.Context, h *textproto.Header, body buffer.Buffer) error {
	defer trace.StartRegion(ctx, "sign_dkim/RewriteBody").End()

	// The signing key is selected by the envelope sender domain. The
	// null path (<>) and bare postmaster use the first configured
	// domain.
	domain := ""
	if s.from != "" {
		var err error
		if _, domain, err = address.Split(s.from); err != nil {
			return err
		}
	}
	if domain == "" {
		domain = s.m.domains[0]
	}

	normDomain, err := dns.ForLookup(domain)
	if err != nil {
		s.log.Error("unable to normalize domain from envelope sender", err, "domain", domain)
		return nil
	}
	keySigner := s.m.signers[normDomain]
	if keySigner == nil {
		s.log.Msg("no key for domain", "domain", normDomain)
		return nil
	}

	if !s.signingIdentityOK(h) {
		return nil
	}

	// Non-EAI messages cannot carry U-labels in the d=/s= tags.
	selector := s.m.selector
	if !s.meta.SMTPOpts.UTF8 {
		if domain, err = idna.ToASCII(domain); err != nil {
			return nil
		}
		if selector, err = idna.ToASCII(selector); err != nil {
			return nil
		}
	}

	opts := dkim.SignOptions{
		Domain:                 domain,
		Selector:               selector,
		Identifier:             "@" + domain,
		Signer:                 keySigner,
		Hash:                   s.m.hash,
		HeaderCanonicalization: s.m.headerCanon,
		BodyCanonicalization:   s.m.bodyCanon,
		HeaderKeys:             s.m.fieldsToSign(h),
	}
	if s.m.sigExpiry != 0 {
		opts.Expiration = time.Now().Add(s.m.sigExpiry)
	}

	signature, err := s.computeSignature(&opts, h, body)
	if err != nil {
		return exterrors.WithFields(err, map[string]interface{}{"modifier": "sign_dkim"})
	}
	h.AddRaw([]byte(signature))

	s.m.log.DebugMsg("signed", "domain", domain)
	return nil
}

func (s *state) computeSignature(opts *dkim.SignOptions, h *textproto.Header, body buffer.Buffer) (string, error) {
	signer, err := dkim.NewSigner(opts)
	if err != nil {
		return "", err
	}
	defer signer.Close()

	if err := textproto.WriteHeader(signer, *h); err != nil {
		return "", err
	}
	r, err := body.Open()
	if err != nil {
		return "", err
	}
	defer r.Close()
	if _, err := io.Copy(signer, r); err != nil {
		return "", err
	}

	if err := signer.Close(); err != nil {
		return "", err
	}
	return signer.Signature(), nil
}

func (s *state) Close() error {
	return nil
}

func init() {
	module.Register("modify.dkim", New)
	module.Register("sign_dkim", New)
}
