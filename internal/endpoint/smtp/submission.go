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

package smtp

import (
	"errors"
	"fmt"
	"net/mail"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/foxcpp/ferrum/framework/exterrors"
	"github.com/foxcpp/ferrum/framework/module"
	"github.com/google/uuid"
)

// Overridable for tests.
var (
	msgIDField = func() (string, error) {
		id, err := uuid.NewRandom()
		if err != nil {
			return "", err
		}
		return id.String(), nil
	}

	now = time.Now
)

func submissionFail(message string, err error, misc map[string]interface{}) error {
	if misc == nil {
		misc = map[string]interface{}{}
	}
	misc["modifier"] = "submission_prepare"
	return &exterrors.SMTPError{
		Code:         554,
		EnhancedCode: exterrors.EnhancedCode{5, 6, 0},
		Message:      message,
		Misc:         misc,
		Err:          err,
	}
}

// submissionPrepare performs the message fixups required of a Message
// Submission Agent (RFC 6409 Section 8): validates the structural
// address fields and inserts the missing Message-ID and Date.
func (s *Session) submissionPrepare(msgMeta *module.MsgMetadata, header *textproto.Header) error {
	msgMeta.DontTraceSender = true

	if header.Get("Message-ID") == "" {
		msgID, err := msgIDField()
		if err != nil {
			return errors.New("Message-ID generation failed")
		}
		s.log.Msg("adding missing Message-ID")
		header.Set("Message-ID", "<"+msgID+"@"+s.endp.serv.Domain+">")
	}

	if err := s.checkSubmittedAddrFields(header); err != nil {
		return err
	}

	if dateHdr := header.Get("Date"); dateHdr != "" {
		if _, err := parseMessageDateTime(dateHdr); err != nil {
			return submissionFail("Malformed Date header", err, map[string]interface{}{"date": dateHdr})
		}
	} else {
		s.log.Msg("adding missing Date header")
		header.Set("Date", now().UTC().Format("Mon, 2 Jan 2006 15:04:05 -0700"))
	}

	return nil
}

// checkSubmittedAddrFields validates the address-valued fields of the
// submitted header.
func (s *Session) checkSubmittedAddrFields(header *textproto.Header) error {
	if header.Get("From") == "" {
		return submissionFail("Message does not contain a From header field", nil, nil)
	}

	// Fields holding exactly one address.
	for _, field := range [...]string{"Sender"} {
		value := header.Get(field)
		if value == "" {
			continue
		}
		if _, err := mail.ParseAddress(value); err != nil {
			return submissionFail(fmt.Sprintf("Invalid address in %s", field), err,
				map[string]interface{}{"addr": value})
		}
	}

	// Fields holding address lists.
	for _, field := range [...]string{"To", "Cc", "Bcc", "Reply-To"} {
		value := header.Get(field)
		if value == "" {
			continue
		}
		if _, err := mail.ParseAddressList(value); err != nil {
			return submissionFail(fmt.Sprintf("Invalid address in %s", field), err,
				map[string]interface{}{"addr": value})
		}
	}

	fromAddrs, err := mail.ParseAddressList(header.Get("From"))
	if err != nil {
		return submissionFail("Invalid address in From", err,
			map[string]interface{}{"addr": header.Get("From")})
	}

	// RFC 5322 Section 3.6.2: a multi-address From requires the Sender
	// field.
	if len(fromAddrs) > 1 && header.Get("Sender") == "" {
		return submissionFail("Missing Sender header field", nil,
			map[string]interface{}{"from": header.Get("From")})
	}

	return nil
}
