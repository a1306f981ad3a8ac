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
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/foxcpp/ferrum/framework/hooks"
	"github.com/foxcpp/ferrum/framework/log"
)

// certReloadInterval is how often the certificate files are re-read in
// addition to the explicit SIGUSR2 reload.
const certReloadInterval = 1 * time.Minute

// TLSConfig is a server-side TLS configuration that transparently picks
// up replaced certificate files.
type TLSConfig struct {
	initCfg Node

	l   sync.Mutex
	cfg *tls.Config
}

// Get returns a snapshot of the current configuration, nil if TLS is
// disabled.
func (cfg *TLSConfig) Get() *tls.Config {
	cfg.l.Lock()
	defer cfg.l.Unlock()
	if cfg.cfg == nil {
		return nil
	}
	return cfg.cfg.Clone()
}

func (cfg *TLSConfig) set(newCfg *tls.Config) {
	cfg.l.Lock()
	cfg.cfg = newCfg
	cfg.l.Unlock()
}

// read (re-)parses the directive. Forms:
//
//	tls off
//	tls self_signed
//	tls <cert-file> <key-file> { ...options... }
func (cfg *TLSConfig) read(m *Map, node Node, generateSelfSig bool) error {
	switch len(node.Args) {
	case 1:
		switch node.Args[0] {
		case "off":
			cfg.set(nil)
			return nil
		case "self_signed":
			if !generateSelfSig {
				// Keep the certificate generated at start-up on reloads.
				return nil
			}
			tlsCfg := &tls.Config{
				MinVersion: tls.VersionTLS12,
				MaxVersion: tls.VersionTLS13,
			}
			if err := makeSelfSignedCert(tlsCfg); err != nil {
				return err
			}
			log.Println("tls: using self-signed certificate, this is not secure!")
			cfg.set(tlsCfg)
			return nil
		default:
			return NodeErr(node, "unexpected argument (%s), want 'off' or 'self_signed'", node.Args[0])
		}
	case 2:
		tlsCfg, err := readTLSBlock(m, node)
		if err != nil {
			return err
		}
		cfg.set(tlsCfg)
		return nil
	default:
		return NodeErr(node, "expected 1 or 2 arguments")
	}
}

// TLSDirective parses the server TLS configuration and arranges for the
// certificates to be re-read on SIGUSR2 and periodically.
//
// The returned value is a *tls.Config with GetConfigForClient set, or
// nil for 'tls off'.
func TLSDirective(m *Map, node Node) (interface{}, error) {
	cfg := TLSConfig{
		initCfg: node,
	}
	if err := cfg.read(m, node, true); err != nil {
		return nil, err
	}

	reload := func() {
		log.Debugln("tls: reloading certificates")
		if err := cfg.read(NewMap(nil, cfg.initCfg), cfg.initCfg, false); err != nil {
			log.DefaultLogger.Error("tls: failed to load new certs", err)
		}
	}
	hooks.AddHook(hooks.EventReload, reload)
	go func() {
		for range time.Tick(certReloadInterval) {
			reload()
		}
	}()

	// nil (as opposed to an empty config) lets the callers check whether
	// TLS is enabled at all.
	if cfg.Get() == nil {
		return nil, nil
	}

	return &tls.Config{
		GetConfigForClient: func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
			return cfg.Get(), nil
		},
	}, nil
}

func readTLSBlock(m *Map, blockNode Node) (*tls.Config, error) {
	cfg := tls.Config{
		PreferServerCipherSuites: true,
	}
	var tlsVersions [2]uint16

	if len(blockNode.Args) != 2 {
		return nil, NodeErr(blockNode, "two arguments required")
	}
	certPath, keyPath := blockNode.Args[0], blockNode.Args[1]

	childM := NewMap(nil, blockNode)
	childM.Custom("protocols", false, false, func() (interface{}, error) {
		return [2]uint16{tls.VersionTLS12, 0}, nil
	}, TLSVersionsDirective, &tlsVersions)
	childM.Custom("ciphers", false, false, func() (interface{}, error) {
		return nil, nil
	}, TLSCiphersDirective, &cfg.CipherSuites)
	childM.Custom("curves", false, false, func() (interface{}, error) {
		return nil, nil
	}, TLSCurvesDirective, &cfg.CurvePreferences)
	if _, err := childM.Process(); err != nil {
		return nil, err
	}

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, err
	}
	log.Debugf("tls: using %s : %s", certPath, keyPath)
	cfg.Certificates = append(cfg.Certificates, cert)

	cfg.MinVersion = tlsVersions[0]
	cfg.MaxVersion = tlsVersions[1]

	return &cfg, nil
}

// makeSelfSignedCert generates a week-long throwaway keypair, for tests
// and first-run experiments only.
func makeSelfSignedCert(config *tls.Config) error {
	privKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return err
	}
	cert := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject:      pkix.Name{Organization: []string{"Ferrum Self-Signed"}},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(7 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(config.ServerName); ip != nil {
		cert.IPAddresses = append(cert.IPAddresses, ip)
	} else {
		cert.DNSNames = append(cert.DNSNames, config.ServerName)
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, cert, cert, &privKey.PublicKey, privKey)
	if err != nil {
		return err
	}

	config.Certificates = append(config.Certificates, tls.Certificate{
		Certificate: [][]byte{derBytes},
		PrivateKey:  privKey,
		Leaf:        cert,
	})
	return nil
}
