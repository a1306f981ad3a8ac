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

package target

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/foxcpp/ferrum/framework/address"
	"github.com/foxcpp/ferrum/framework/dns"
	"github.com/foxcpp/ferrum/framework/module"
)

// SanitizeForHeader strips the characters that would allow header
// injection from a value interpolated into a trace field.
func SanitizeForHeader(raw string) string {
	return strings.ReplaceAll(raw, "\n", "")
}

// GenerateReceived builds the Received trace field (RFC 5321 Section
// 4.4) for the message. Names are emitted in the representation
// matching the message encoding (A-labels unless SMTPUTF8, per RFC 6531
// Section 3.7.3).
func GenerateReceived(ctx context.Context, msgMeta *module.MsgMetadata, ourHostname, mailFrom string) (string, error) {
	if msgMeta.Conn == nil {
		return "", errors.New("can't generate Received for a locally generated message")
	}
	utf8 := msgMeta.SMTPOpts.UTF8

	var b strings.Builder
	// Guessed to fit the complete value most of the time.
	b.Grow(256 + len(msgMeta.Conn.Hostname))

	fromClause, err := receivedFromClause(ctx, msgMeta, utf8)
	if err != nil {
		return "", err
	}
	b.WriteString(fromClause)

	if hostname, err := dns.SelectIDNA(utf8, ourHostname); err == nil {
		b.WriteString(" by ")
		b.WriteString(SanitizeForHeader(hostname))
	}

	if sender, err := address.SelectIDNA(utf8, mailFrom); err == nil {
		b.WriteString(" (envelope-sender <")
		b.WriteString(SanitizeForHeader(sender))
		b.WriteString(">)")
	}

	if msgMeta.Conn.Proto != "" {
		b.WriteString(" with ")
		if utf8 {
			b.WriteString("UTF8")
		}
		b.WriteString(msgMeta.Conn.Proto)
	}

	fmt.Fprintf(&b, " id %s; %s", msgMeta.ID, time.Now().Format(time.RFC1123Z))

	return b.String(), nil
}

// receivedFromClause builds the "from <helo> (<rdns> [<ip>])" part, left
// out entirely for submitted messages (DontTraceSender).
func receivedFromClause(ctx context.Context, msgMeta *module.MsgMetadata, utf8 bool) (string, error) {
	conn := msgMeta.Conn
	isSMTP := strings.Contains(conn.Proto, "SMTP") || strings.Contains(conn.Proto, "LMTP")
	if msgMeta.DontTraceSender || !isSMTP {
		return "", nil
	}

	var b strings.Builder
	if hostname, err := dns.SelectIDNA(utf8, conn.Hostname); err == nil {
		b.WriteString("from ")
		b.WriteString(hostname)
	}

	tcpAddr, ok := conn.RemoteAddr.(*net.TCPAddr)
	if !ok {
		return b.String(), nil
	}

	b.WriteString(" (")
	if conn.RDNSName != nil {
		rdnsName, err := conn.RDNSName.GetContext(ctx)
		if err != nil {
			return "", err
		}
		if name, _ := rdnsName.(string); name != "" {
			if encoded, err := dns.SelectIDNA(utf8, name); err == nil {
				b.WriteString(encoded)
				b.WriteByte(' ')
			}
		}
	}
	fmt.Fprintf(&b, "[%v])", tcpAddr.IP)

	return b.String(), nil
}
