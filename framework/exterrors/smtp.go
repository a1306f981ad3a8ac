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

package exterrors

import (
	"fmt"
	"strconv"
	"strings"
)

// EnhancedCode is a copy of smtp.EnhancedCode from go-smtp, defined here
// to break the import cycle between exterrors users and protocol code.
type EnhancedCode [3]int

func (ec EnhancedCode) String() string {
	return strconv.Itoa(ec[0]) + "." + strconv.Itoa(ec[1]) + "." + strconv.Itoa(ec[2])
}

// SMTPError is the error that is considered a direct instruction to send
// the specified error response to the message source.
//
// It is used by most of the ferrum components to indicate the failure
// reason in the machine-readable way.
type SMTPError struct {
	// SMTP status code. Most of the time it matches the class of the
	// EnhancedCode.
	Code int

	// Enhanced SMTP status code (RFC 3463).
	EnhancedCode EnhancedCode

	// Message that should be returned to the peer.
	Message string

	// Name of the check that generated this error, if any.
	CheckName string

	// Name of the delivery target that generated this error, if any.
	TargetName string

	// Underlying error that caused this one, if any. Not reported
	// to the peer.
	Err error

	// Internal error reason, not reported to the peer. If it is empty,
	// Err.Error() is used in logs instead.
	Reason string

	// Additional fields to include in the structured log output.
	Misc map[string]interface{}
}

func (se *SMTPError) Unwrap() error {
	return se.Err
}

// Temporary reports whether the error code is in the 4xx class.
func (se *SMTPError) Temporary() bool {
	return se.Code/100 == 4
}

func (se *SMTPError) Fields() map[string]interface{} {
	ctx := make(map[string]interface{}, len(se.Misc)+6)
	for k, v := range se.Misc {
		ctx[k] = v
	}
	ctx["smtp_code"] = se.Code
	ctx["smtp_enchcode"] = se.EnhancedCode
	ctx["smtp_msg"] = se.Message
	if se.CheckName != "" {
		ctx["check"] = se.CheckName
	}
	if se.TargetName != "" {
		ctx["target"] = se.TargetName
	}
	if se.Reason != "" {
		ctx["reason"] = se.Reason
	}
	return ctx
}

func (se *SMTPError) Error() string {
	var b strings.Builder
	if se.CheckName != "" {
		b.WriteString(se.CheckName)
		b.WriteString(": ")
	} else if se.TargetName != "" {
		b.WriteString(se.TargetName)
		b.WriteString(": ")
	}
	fmt.Fprintf(&b, "SMTP error %d: %s", se.Code, se.Message)
	if se.Reason != "" {
		b.WriteString(" (")
		b.WriteString(se.Reason)
		b.WriteString(")")
	} else if se.Err != nil {
		b.WriteString(" (")
		b.WriteString(se.Err.Error())
		b.WriteString(")")
	}
	return b.String()
}

// SMTPCode returns the appropriate SMTP status code for the error,
// using the temporary/permanent distinction made by IsTemporaryOrUnspec.
func SMTPCode(err error, temporaryCode, permanentCode int) int {
	if IsTemporaryOrUnspec(err) {
		return temporaryCode
	}
	return permanentCode
}

// SMTPEnchCode mirrors SMTPCode for the first element of the enhanced
// status code. The passed base has its first element overridden.
func SMTPEnchCode(err error, base EnhancedCode) EnhancedCode {
	if IsTemporaryOrUnspec(err) {
		base[0] = 4
		return base
	}
	base[0] = 5
	return base
}
