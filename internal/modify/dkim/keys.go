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
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

// dnsRecordPath derives the name of the companion file holding the
// public key TXT record: key.key -> key.dns.
func dnsRecordPath(keyPath string) string {
	if filepath.Ext(keyPath) == ".key" {
		return keyPath[:len(keyPath)-4] + ".dns"
	}
	return keyPath + ".dns"
}

// loadOrGenerateKey returns the signing key stored at keyPath,
// generating a fresh newKeyAlgo keypair (and the .dns record file for
// it) when the file does not exist yet.
func (m *Modifier) loadOrGenerateKey(domain, keyPath, newKeyAlgo string, eaiCompat bool) (pkey crypto.Signer, newKey bool, err error) {
	pemBlob, err := os.ReadFile(keyPath)
	if err != nil {
		if os.IsNotExist(err) {
			pkey, err = m.generateKeypair(keyPath, newKeyAlgo)
			return pkey, err == nil, err
		}
		return nil, false, err
	}

	pkey, err = parseKey(keyPath, pemBlob)
	return pkey, false, err
}

func parseKey(keyPath string, pemBlob []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(pemBlob)
	if block == nil {
		return nil, fmt.Errorf("sign_dkim: %s: invalid PEM block", keyPath)
	}

	var (
		key interface{}
		err error
	)
	switch block.Type {
	case "PRIVATE KEY": // PKCS #8 (RFC 5208)
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	case "RSA PRIVATE KEY": // PKCS #1 (RFC 3447)
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY": // RFC 5915
		key, err = x509.ParseECPrivateKey(block.Bytes)
	default:
		return nil, fmt.Errorf("sign_dkim: %s: not a private key or unsupported format", keyPath)
	}
	if err != nil {
		return nil, fmt.Errorf("sign_dkim: %s: %w", keyPath, err)
	}

	switch key := key.(type) {
	case *rsa.PrivateKey:
		if err := key.Validate(); err != nil {
			return nil, err
		}
		key.Precompute()
		return key, nil
	case ed25519.PrivateKey:
		return key, nil
	default:
		// Notably, DKIM never supported ECDSA keys.
		return nil, fmt.Errorf("sign_dkim: %s: unsupported key type: %T", keyPath, key)
	}
}

func (m *Modifier) generateKeypair(keyPath, algo string) (crypto.Signer, error) {
	wrapErr := func(err error) error {
		return fmt.Errorf("sign_dkim: generate %s: %w", keyPath, err)
	}

	m.log.Printf("generating a new %s keypair...", algo)

	var (
		pkey     crypto.Signer
		dkimName string
		err      error
	)
	switch algo {
	case "rsa4096":
		dkimName = "rsa"
		pkey, err = rsa.GenerateKey(rand.Reader, 4096)
	case "rsa2048":
		dkimName = "rsa"
		pkey, err = rsa.GenerateKey(rand.Reader, 2048)
	case "ed25519":
		dkimName = "ed25519"
		_, pkey, err = ed25519.GenerateKey(rand.Reader)
	default:
		err = fmt.Errorf("unknown key algorithm: %s", algo)
	}
	if err != nil {
		return nil, wrapErr(err)
	}

	// The directory holds the world-readable .dns files too, only the
	// individual key files need the 0600 protection.
	if err := os.MkdirAll(filepath.Dir(keyPath), 0o777); err != nil {
		return nil, wrapErr(err)
	}

	if err := writeDNSRecord(dnsRecordPath(keyPath), dkimName, pkey); err != nil {
		return nil, wrapErr(err)
	}

	keyBlob, err := x509.MarshalPKCS8PrivateKey(pkey)
	if err != nil {
		return nil, wrapErr(err)
	}
	f, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer f.Close()
	if err := pem.Encode(f, &pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: keyBlob,
	}); err != nil {
		return nil, wrapErr(err)
	}

	return pkey, nil
}

func writeDNSRecord(dnsPath, dkimAlgoName string, pkey crypto.Signer) error {
	var keyBlob []byte
	switch pubkey := pkey.Public().(type) {
	case *rsa.PublicKey:
		keyBlob = x509.MarshalPKCS1PublicKey(pubkey)
	case ed25519.PublicKey:
		keyBlob = pubkey
	default:
		panic("sign_dkim.writeDNSRecord: unknown key algorithm")
	}

	record := fmt.Sprintf("v=DKIM1; k=%s; p=%s",
		dkimAlgoName, base64.StdEncoding.EncodeToString(keyBlob))
	return os.WriteFile(dnsPath, []byte(record), 0o644)
}
