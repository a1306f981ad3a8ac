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

package config

import (
	"crypto/tls"

	"github.com/foxcpp/ferrum/framework/log"
)

// Only TLS 1.2 and newer are accepted for configuration: the server
// floor is 1.2, so allowing older protocol names would only create
// configurations that fail at handshake time.
var strVersionsMap = map[string]uint16{
	"tls1.2": tls.VersionTLS12,
	"tls1.3": tls.VersionTLS13,
	"":       0, // crypto/tls defaults when not specified
}

// TLS 1.2 AEAD suites. TLS 1.3 suites are not configurable by design
// (crypto/tls ignores CipherSuites for 1.3), and the legacy CBC/RC4/3DES
// suites are intentionally not accepted.
var strCiphersMap = map[string]uint16{
	"ECDHE-RSA-WITH-AES128-GCM-SHA256":   tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	"ECDHE-RSA-WITH-AES256-GCM-SHA384":   tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	"ECDHE-RSA-WITH-CHACHA20-POLY1305":   tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
	"ECDHE-ECDSA-WITH-AES128-GCM-SHA256": tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	"ECDHE-ECDSA-WITH-AES256-GCM-SHA384": tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	"ECDHE-ECDSA-WITH-CHACHA20-POLY1305": tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
}

var strCurvesMap = map[string]tls.CurveID{
	"p256":   tls.CurveP256,
	"p384":   tls.CurveP384,
	"p521":   tls.CurveP521,
	"X25519": tls.X25519,
}

// TLSVersionsDirective parses the directive specifying the minimum and
// (optionally) maximum supported TLS versions.
//
// It returns a [2]uint16 value for the corresponding tls.Config fields.
func TLSVersionsDirective(m *Map, node Node) (interface{}, error) {
	switch len(node.Args) {
	case 1:
		value, ok := strVersionsMap[node.Args[0]]
		if !ok {
			return nil, NodeErr(node, "invalid TLS version value: %s", node.Args[0])
		}
		return [2]uint16{value, value}, nil
	case 2:
		minValue, ok := strVersionsMap[node.Args[0]]
		if !ok {
			return nil, NodeErr(node, "invalid TLS version value: %s", node.Args[0])
		}
		maxValue, ok := strVersionsMap[node.Args[1]]
		if !ok {
			return nil, NodeErr(node, "invalid TLS version value: %s", node.Args[1])
		}
		return [2]uint16{minValue, maxValue}, nil
	default:
		return nil, NodeErr(node, "expected 1 or 2 arguments")
	}
}

// TLSCiphersDirective parses the directive listing cipher suites to
// offer (or use for outgoing connections). It returns []uint16 with the
// cipher IDs.
func TLSCiphersDirective(m *Map, node Node) (interface{}, error) {
	if len(node.Args) == 0 {
		return nil, NodeErr(node, "expected at least 1 argument, got 0")
	}

	res := make([]uint16, 0, len(node.Args))
	for _, arg := range node.Args {
		cipherID, ok := strCiphersMap[arg]
		if !ok {
			return nil, NodeErr(node, "unknown cipher: %s", arg)
		}
		res = append(res, cipherID)
	}
	log.Debugln("tls: using non-default cipherset:", node.Args)
	return res, nil
}

// TLSCurvesDirective parses the directive listing elliptic curves to use
// during the TLS key exchange. It returns []tls.CurveID.
func TLSCurvesDirective(m *Map, node Node) (interface{}, error) {
	if len(node.Args) == 0 {
		return nil, NodeErr(node, "expected at least 1 argument, got 0")
	}

	res := make([]tls.CurveID, 0, len(node.Args))
	for _, arg := range node.Args {
		curveID, ok := strCurvesMap[arg]
		if !ok {
			return nil, NodeErr(node, "unknown curve: %s", arg)
		}
		res = append(res, curveID)
	}
	log.Debugln("tls: using non-default curve preferences:", node.Args)
	return res, nil
}
