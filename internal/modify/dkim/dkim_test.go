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

package dkim

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"testing"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-msgauth/dkim"
	"github.com/foxcpp/ferrum/framework/buffer"
	"github.com/foxcpp/ferrum/framework/config"
	"github.com/foxcpp/ferrum/framework/module"
	"github.com/foxcpp/ferrum/internal/testutils"
	"github.com/foxcpp/go-mockdns"
)

func newTestModifier(t *testing.T, dir, keyAlgo string, headerCanon, bodyCanon dkim.Canonicalization) *Modifier {
	t.Helper()

	mod, err := New("", "test", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	m := mod.(*Modifier)
	m.log = testutils.Logger(t, m.Name())

	err = m.Init(config.NewMap(nil, config.Node{
		Children: []config.Node{
			{Name: "domains", Args: []string{"ferrum.test"}},
			{Name: "selector", Args: []string{"default"}},
			{Name: "key_path", Args: []string{filepath.Join(dir, "testkey.key")}},
			{Name: "require_sender_match", Args: []string{"off"}},
			{Name: "newkey_algo", Args: []string{keyAlgo}},
			{Name: "header_canon", Args: []string{string(headerCanon)}},
			{Name: "body_canon", Args: []string{string(bodyCanon)}},
		},
	}))
	if err != nil {
		t.Fatal(err)
	}

	return m
}

func signTestMsg(t *testing.T, m *Modifier) (textproto.Header, []byte) {
	t.Helper()

	state, err := m.ModStateForMsg(context.Background(), &module.MsgMetadata{})
	if err != nil {
		t.Fatal(err)
	}

	testHdr := textproto.Header{}
	testHdr.Add("From", "<hello@ferrum.test>")
	testHdr.Add("Subject", "heya")
	testHdr.Add("To", "<heya@heya>")
	body := []byte("hello there\r\n")

	if _, err := state.RewriteSender(context.Background(), "hello@ferrum.test"); err != nil {
		t.Fatal(err)
	}
	if err := state.RewriteBody(context.Background(), &testHdr, buffer.MemoryBuffer{Slice: body}); err != nil {
		t.Fatal(err)
	}

	return testHdr, body
}

func verifyTestMsg(t *testing.T, dnsPath string, hdr textproto.Header, body []byte) {
	t.Helper()

	dnsRecord, err := os.ReadFile(dnsPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Log("DNS record:", string(dnsRecord))

	// dkim.Verify does not allow overriding its lookup routine, so the
	// global resolver object is patched instead.
	srv, err := mockdns.NewServer(map[string]mockdns.Zone{
		"default._domainkey.ferrum.test.": {
			TXT: []string{string(dnsRecord)},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()
	srv.PatchNet(net.DefaultResolver)
	defer mockdns.UnpatchNet(net.DefaultResolver)

	var fullBody bytes.Buffer
	if err := textproto.WriteHeader(&fullBody, hdr); err != nil {
		t.Fatal(err)
	}
	if _, err := fullBody.Write(body); err != nil {
		t.Fatal(err)
	}

	v, err := dkim.Verify(bytes.NewReader(fullBody.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if len(v) != 1 {
		t.Fatal("Expected exactly one verification")
	}
	if v[0].Err != nil {
		t.Fatal("Verification error:", v[0].Err)
	}
}

// TestGenerateSignVerify is the integration test of the modifier: a
// freshly generated (or reloaded) key must produce verifiable
// signatures with every canonicalization combination.
func TestGenerateSignVerify(t *testing.T) {
	test := func(keyAlgo string, headerCanon, bodyCanon dkim.Canonicalization, reload bool) {
		t.Helper()

		dir := t.TempDir()

		m := newTestModifier(t, dir, keyAlgo, headerCanon, bodyCanon)
		if reload {
			// Reload the key from disk instead of using the generated
			// one.
			m = newTestModifier(t, dir, keyAlgo, headerCanon, bodyCanon)
		}

		testHdr, body := signTestMsg(t, m)
		verifyTestMsg(t, filepath.Join(dir, "testkey.dns"), testHdr, body)
	}

	for _, algo := range [2]string{"rsa2048", "ed25519"} {
		for _, hdrCanon := range [2]dkim.Canonicalization{dkim.CanonicalizationSimple, dkim.CanonicalizationRelaxed} {
			for _, bodyCanon := range [2]dkim.Canonicalization{dkim.CanonicalizationSimple, dkim.CanonicalizationRelaxed} {
				test(algo, hdrCanon, bodyCanon, false)
				test(algo, hdrCanon, bodyCanon, true)
			}
		}
	}
}

func TestFieldsToSign(t *testing.T) {
	h := textproto.Header{}
	h.Add("A", "1")
	h.Add("c", "2")
	h.Add("C", "3")
	h.Add("a", "4")
	h.Add("b", "5")
	h.Add("unrelated", "6")

	m := Modifier{
		oversignHeader: []string{"A", "B"},
		signHeader:     []string{"C"},
	}
	fields := m.fieldsToSign(&h)
	sort.Strings(fields)
	expected := []string{"A", "A", "A", "B", "B", "C", "C"}

	if !reflect.DeepEqual(fields, expected) {
		t.Errorf("incorrect set of fields to sign\nwant: %v\ngot:  %v", expected, fields)
	}
}

func TestSigningIdentity(t *testing.T) {
	test := func(methods []string, from, envelope, authUser string, expectOk bool) {
		t.Helper()

		m := Modifier{
			senderMatch: map[string]struct{}{},
			log:         testutils.Logger(t, "sign_dkim"),
		}
		for _, method := range methods {
			m.senderMatch[method] = struct{}{}
		}
		s := state{
			m:    &m,
			meta: &module.MsgMetadata{Conn: &module.ConnState{AuthUser: authUser}},
			from: envelope,
			log:  m.log,
		}

		h := textproto.Header{}
		h.Add("From", "<"+from+">")

		if ok := s.signingIdentityOK(&h); ok != expectOk {
			t.Errorf("%v from=%s envelope=%s auth=%s: expected ok=%v, got %v",
				methods, from, envelope, authUser, expectOk, ok)
		}
	}

	test([]string{"off"}, "foo@example.org", "bar@example.org", "", true)
	test([]string{"envelope"}, "foo@example.org", "foo@example.org", "", true)
	test([]string{"envelope"}, "foo@example.org", "bar@example.org", "", false)
	test([]string{"auth_domain"}, "foo@example.org", "", "user@example.org", true)
	test([]string{"auth_domain"}, "foo@example.org", "", "user@example.com", false)
	test([]string{"auth_user"}, "foo@example.org", "", "foo@example.org", true)
	test([]string{"auth_user"}, "foo@example.org", "", "foo", true)
	test([]string{"auth_user"}, "foo@example.org", "", "bar", false)
	test([]string{"envelope", "auth_user"}, "foo@example.org", "foo@example.org", "foo", true)
	test([]string{"envelope", "auth_user"}, "foo@example.org", "bar@example.org", "foo", false)
}
