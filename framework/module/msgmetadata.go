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

package module

import (
	"crypto/tls"
	"net"

	"github.com/emersion/go-smtp"
	"github.com/foxcpp/ferrum/framework/future"
)

// Priority classes assigned to messages. Delivery of messages with the
// higher class is scheduled before messages with the lower one when both
// are due at the same moment.
type Priority int8

const (
	PriorityLow    Priority = -1
	PriorityNormal Priority = 0
	PriorityHigh   Priority = 1
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	}
	return "???"
}

// ConnState structure holds the connection-level information about the
// client.
type ConnState struct {
	// Value of the HELO/EHLO command argument.
	Hostname string

	// Protocol name to use in trace header fields (ESMTP, ESMTPS, LMTP).
	Proto string

	LocalAddr  net.Addr
	RemoteAddr net.Addr

	// RDNSName is the future that is populated with the PTR name of
	// RemoteAddr (string) or nil if there is no name.
	RDNSName *future.Future

	// TLS is the TLS connection state, if TLS is used.
	// TLS.HandshakeComplete is false otherwise.
	TLS tls.ConnectionState

	// The username and password specified by the client during
	// authentication, if any.
	AuthUser     string
	AuthPassword string
}

// MsgMetadata structure holds all information about the origin of the
// message and all associated flags set during processing.
//
// The MsgMetadata is passed by the message source to the pipeline and
// preserved (possibly in a serialized form) until the message leaves the
// server.
type MsgMetadata struct {
	// Unique identifier for this message. Randomly generated by the
	// message source.
	ID string

	// Information about the connection the message was received over.
	// Nil for locally generated messages (e.g. DSNs and reports).
	Conn *ConnState

	// Original value of the MAIL FROM command argument, as specified by
	// the client, before any rewriting.
	OriginalFrom string

	// Maps the final recipient address to the corresponding original
	// RCPT TO argument. Populated by the pipeline code.
	OriginalRcpts map[string]string

	// Set to true if the message should not be delivered to its
	// destination normally and should be placed in the quarantine instead.
	Quarantine bool

	// Options of the MAIL FROM command.
	SMTPOpts smtp.MailOptions

	// Size of the message body, in bytes. Zero if unknown.
	BodyLength int64

	// Scheduling class used by the delivery queue.
	Priority Priority

	// Disables adding the information about the client connection
	// (hostname, IP) to the trace header fields. Used for messages
	// accepted on submission ports.
	DontTraceSender bool

	// Set when the message carries the 'TLS-Required: No' header field and
	// strong TLS policy enforcement should be relaxed for it (RFC 8689).
	TLSRequireOverride bool
}

// DeepCopy creates a copy of the MsgMetadata object, including all maps.
//
// The Conn field is copied as a pointer since the referenced object is
// not modified during processing.
func (msgMeta *MsgMetadata) DeepCopy() *MsgMetadata {
	cpy := *msgMeta

	cpy.OriginalRcpts = make(map[string]string, len(msgMeta.OriginalRcpts))
	for k, v := range msgMeta.OriginalRcpts {
		cpy.OriginalRcpts[k] = v
	}

	return &cpy
}
