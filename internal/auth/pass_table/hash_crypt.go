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
	"fmt"

	"github.com/GehirnInc/crypt"
	_ "github.com/GehirnInc/crypt/sha256_crypt"
	_ "github.com/GehirnInc/crypt/sha512_crypt"
)

// Verification-only support for crypt(3) style hashes ($5$, $6$) so
// password databases imported from other software keep working. New
// passwords are never hashed this way.
const (
	HashSHA256Crypt = "sha256-crypt"
	HashSHA512Crypt = "sha512-crypt"
)

func verifyCrypt(pass, hashSalt string) error {
	if !crypt.IsHashSupported(hashSalt) {
		return fmt.Errorf("pass_table: unsupported crypt hash")
	}
	crypter := crypt.NewFromHash(hashSalt)
	return crypter.Verify(hashSalt, []byte(pass))
}

func init() {
	HashVerify[HashSHA256Crypt] = verifyCrypt
	HashVerify[HashSHA512Crypt] = verifyCrypt
	Hashes = append(Hashes, HashSHA256Crypt, HashSHA512Crypt)
}
