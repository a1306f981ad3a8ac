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

package pass_table

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

const (
	HashSHA256 = "sha256"
	HashBcrypt = "bcrypt"
	HashArgon2 = "argon2"

	DefaultHash = HashBcrypt

	Argon2Salt = 16
	Argon2Size = 64
)

// HashOpts carries the tunables used when hashing *new* passwords. The
// effective values are always encoded into the stored string, so
// verification does not depend on the current configuration.
type HashOpts struct {
	// Bcrypt cost value to use. Should be at least 10.
	BcryptCost int

	Argon2Time    uint32
	Argon2Memory  uint32
	Argon2Threads uint8
}

type (
	FuncHashCompute func(opts HashOpts, pass string) (string, error)
	FuncHashVerify  func(pass, hashSalt string) error
)

var (
	HashCompute = map[string]FuncHashCompute{
		HashBcrypt: computeBcrypt,
		HashArgon2: computeArgon2,
	}
	HashVerify = map[string]FuncHashVerify{
		HashBcrypt: verifyBcrypt,
		HashArgon2: verifyArgon2,
	}

	Hashes = []string{HashSHA256, HashBcrypt, HashArgon2}
)

func malformedHash(reason string) error {
	return fmt.Errorf("pass_table: malformed hash string: %s", reason)
}

var errHashMismatch = fmt.Errorf("pass_table: hash mismatch")

func randomSalt(size int) ([]byte, error) {
	salt := make([]byte, size)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("pass_table: failed to generate salt: %w", err)
	}
	return salt, nil
}

func b64(blob []byte) string {
	return base64.StdEncoding.EncodeToString(blob)
}

// The stored argon2 string is "time:memory:threads:salt:hash" with the
// binary parts base64-encoded.
func computeArgon2(opts HashOpts, pass string) (string, error) {
	salt, err := randomSalt(Argon2Salt)
	if err != nil {
		return "", err
	}

	hash := argon2.IDKey([]byte(pass), salt, opts.Argon2Time, opts.Argon2Memory, opts.Argon2Threads, Argon2Size)
	parts := []string{
		strconv.FormatUint(uint64(opts.Argon2Time), 10),
		strconv.FormatUint(uint64(opts.Argon2Memory), 10),
		strconv.FormatUint(uint64(opts.Argon2Threads), 10),
		b64(salt),
		b64(hash),
	}
	return strings.Join(parts, ":"), nil
}

func verifyArgon2(pass, hashSalt string) error {
	parts := strings.SplitN(hashSalt, ":", 5)
	if len(parts) != 5 {
		return malformedHash("wrong amount of parts")
	}
	time, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return malformedHash(err.Error())
	}
	memory, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return malformedHash(err.Error())
	}
	threads, err := strconv.ParseUint(parts[2], 10, 8)
	if err != nil {
		return malformedHash(err.Error())
	}
	salt, err := base64.StdEncoding.DecodeString(parts[3])
	if err != nil {
		return malformedHash(err.Error())
	}
	hash, err := base64.StdEncoding.DecodeString(parts[4])
	if err != nil {
		return malformedHash(err.Error())
	}

	passHash := argon2.IDKey([]byte(pass), salt, uint32(time), uint32(memory), uint8(threads), Argon2Size)
	if subtle.ConstantTimeCompare(passHash, hash) != 1 {
		return errHashMismatch
	}
	return nil
}

// Plain salted SHA-256, stored as "salt:hash". Provided only for
// compatibility with imported credential databases, not usable for new
// passwords unless explicitly enabled (see addSHA256).
func computeSHA256(_ HashOpts, pass string) (string, error) {
	salt, err := randomSalt(32)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(append(salt, pass...))
	return b64(salt) + ":" + b64(sum[:]), nil
}

func verifySHA256(pass, hashSalt string) error {
	saltB64, hashB64, found := strings.Cut(hashSalt, ":")
	if !found {
		return malformedHash("no salt")
	}
	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return malformedHash(err.Error())
	}
	hash, err := base64.StdEncoding.DecodeString(hashB64)
	if err != nil {
		return malformedHash(err.Error())
	}

	sum := sha256.Sum256(append(salt, pass...))
	if subtle.ConstantTimeCompare(sum[:], hash) != 1 {
		return errHashMismatch
	}
	return nil
}

func computeBcrypt(opts HashOpts, pass string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(pass), opts.BcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func verifyBcrypt(pass, hashSalt string) error {
	return bcrypt.CompareHashAndPassword([]byte(hashSalt), []byte(pass))
}

// addSHA256 enables the weak sha256 scheme. It is intentionally not
// registered by default.
func addSHA256() {
	HashCompute[HashSHA256] = computeSHA256
	HashVerify[HashSHA256] = verifySHA256
}
