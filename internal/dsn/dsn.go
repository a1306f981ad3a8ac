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

// Package dsn composes non-delivery notifications: multipart/report
// messages per RFC 3462 with a message/delivery-status part per
// RFC 3464. When the failed message was an SMTPUTF8 one, the
// internationalized variants of the part types (RFC 6533) are used.
package dsn

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-smtp"
	"github.com/foxcpp/ferrum/framework/address"
	"github.com/foxcpp/ferrum/framework/dns"
)

const dateLayout = "Mon, 2 Jan 2006 15:04:05 -0700"

// Envelope describes the DSN message itself: the null-sender message
// addressed back to the original return path.
type Envelope struct {
	MsgID string
	From  string
	To    string
}

// ReportingMTAInfo is the per-message group of delivery-status fields.
type ReportingMTAInfo struct {
	ReportingMTA    string
	ReceivedFromMTA string

	// Original sender, recorded as 'X-Ferrum-Sender: rfc822; ADDR'.
	XSender string

	// Original message identifier, recorded as 'X-Ferrum-MsgID: ID'.
	XMessageID string

	// When the failed message was accepted into the queue.
	ArrivalDate time.Time

	// When its delivery was attempted for the last time.
	LastAttemptDate time.Time
}

// statusFields assembles the per-message field group. The
// delivery-status syntax is header-like, so the MIME header machinery
// writes it (including the terminating blank line).
func (info ReportingMTAInfo) statusFields(utf8 bool) (textproto.Header, error) {
	var h textproto.Header

	if info.ReportingMTA == "" {
		return h, errors.New("dsn: Reporting-MTA field is mandatory")
	}
	if err := addDomainField(&h, utf8, "Reporting-MTA", info.ReportingMTA); err != nil {
		return h, err
	}
	if info.ReceivedFromMTA != "" {
		if err := addDomainField(&h, utf8, "Received-From-MTA", info.ReceivedFromMTA); err != nil {
			return h, err
		}
	}

	if info.XSender != "" {
		if err := addAddrField(&h, utf8, "X-Ferrum-Sender", info.XSender); err != nil {
			return h, err
		}
	}
	if info.XMessageID != "" {
		h.Add("X-Ferrum-MsgID", info.XMessageID)
	}

	if !info.ArrivalDate.IsZero() {
		h.Add("Arrival-Date", info.ArrivalDate.Format(dateLayout))
	}
	if !info.LastAttemptDate.IsZero() {
		h.Add("Last-Attempt-Date", info.LastAttemptDate.Format(dateLayout))
	}

	return h, nil
}

// addDomainField appends a 'dns;' typed field, converting the domain to
// the representation matching the message encoding.
func addDomainField(h *textproto.Header, utf8 bool, name, domain string) error {
	converted, err := dns.SelectIDNA(utf8, domain)
	if err != nil {
		return fmt.Errorf("dsn: cannot convert %s to a suitable representation: %w", name, err)
	}
	h.Add(name, "dns; "+converted)
	return nil
}

// addAddrField appends an address-typed field, with 'utf8;' instead of
// 'rfc822;' for internationalized reports (RFC 6533 Section 4.2).
func addAddrField(h *textproto.Header, utf8 bool, name, addr string) error {
	converted, err := address.SelectIDNA(utf8, addr)
	if err != nil {
		return fmt.Errorf("dsn: cannot convert %s to a suitable representation: %w", name, err)
	}
	if utf8 {
		h.Add(name, "utf8; "+converted)
	} else {
		h.Add(name, "rfc822; "+converted)
	}
	return nil
}

type Action string

const (
	ActionFailed    Action = "failed"
	ActionDelayed   Action = "delayed"
	ActionDelivered Action = "delivered"
	ActionRelayed   Action = "relayed"
	ActionExpanded  Action = "expanded"
)

// RecipientInfo is the per-recipient group of delivery-status fields.
type RecipientInfo struct {
	FinalRecipient string
	RemoteMTA      string

	Action Action
	Status smtp.EnhancedCode

	// DiagnosticCode is the error reported back to the sender.
	DiagnosticCode error
}

func (info RecipientInfo) statusFields(utf8 bool) (textproto.Header, error) {
	var h textproto.Header

	if info.FinalRecipient == "" {
		return h, errors.New("dsn: Final-Recipient is required")
	}
	if err := addAddrField(&h, utf8, "Final-Recipient", info.FinalRecipient); err != nil {
		return h, err
	}

	if info.Action == "" {
		return h, errors.New("dsn: Action is required")
	}
	h.Add("Action", string(info.Action))

	if info.Status[0] == 0 {
		return h, errors.New("dsn: Status is required")
	}
	h.Add("Status", fmt.Sprintf("%d.%d.%d", info.Status[0], info.Status[1], info.Status[2]))

	// The field value cannot contain CR/LF, but SMTP replies relayed from
	// a remote server can, fold them into spaces.
	oneLine := func(s string) string {
		return strings.ReplaceAll(strings.ReplaceAll(s, "\n", " "), "\r", " ")
	}

	if smtpErr, ok := info.DiagnosticCode.(*smtp.SMTPError); ok {
		h.Add("Diagnostic-Code", fmt.Sprintf("smtp; %d %d.%d.%d %s",
			smtpErr.Code,
			smtpErr.EnhancedCode[0], smtpErr.EnhancedCode[1], smtpErr.EnhancedCode[2],
			oneLine(smtpErr.Message)))
	} else if info.DiagnosticCode != nil && utf8 {
		// An arbitrary error string may contain Unicode, include it only
		// in internationalized reports.
		h.Add("Diagnostic-Code", "X-Ferrum; "+oneLine(info.DiagnosticCode.Error()))
	}

	if info.RemoteMTA != "" {
		if err := addDomainField(&h, utf8, "Remote-MTA", info.RemoteMTA); err != nil {
			return h, err
		}
	}

	return h, nil
}

// GenerateDSN composes the notification. The DSN message header is
// returned; the body is written to outWriter.
func GenerateDSN(utf8 bool, envelope Envelope, mtaInfo ReportingMTAInfo, rcptsInfo []RecipientInfo, failedHeader textproto.Header, outWriter io.Writer) (textproto.Header, error) {
	partWriter := textproto.NewMultipartWriter(outWriter)
	defer partWriter.Close()

	var reportHeader textproto.Header
	reportHeader.Add("Date", time.Now().Format(dateLayout))
	reportHeader.Add("Message-Id", envelope.MsgID)
	reportHeader.Add("Content-Transfer-Encoding", "8bit")
	reportHeader.Add("Content-Type", "multipart/report; report-type=delivery-status; boundary="+partWriter.Boundary())
	reportHeader.Add("MIME-Version", "1.0")
	reportHeader.Add("Auto-Submitted", "auto-replied")
	reportHeader.Add("To", envelope.To)
	reportHeader.Add("From", envelope.From)
	reportHeader.Add("Subject", "Undelivered Mail Returned to Sender")

	if err := writeNotificationPart(partWriter, mtaInfo, rcptsInfo); err != nil {
		return textproto.Header{}, err
	}
	if err := writeStatusPart(utf8, partWriter, mtaInfo, rcptsInfo); err != nil {
		return textproto.Header{}, err
	}
	if err := writeHeaderPart(utf8, partWriter, failedHeader); err != nil {
		return textproto.Header{}, err
	}
	return reportHeader, nil
}

// writeNotificationPart emits the human-readable explanation.
func writeNotificationPart(w *textproto.MultipartWriter, mtaInfo ReportingMTAInfo, rcptsInfo []RecipientInfo) error {
	var partHeader textproto.Header
	partHeader.Add("Content-Transfer-Encoding", "8bit")
	partHeader.Add("Content-Type", `text/plain; charset="utf-8"`)
	partHeader.Add("Content-Description", "Notification")
	part, err := w.CreatePart(partHeader)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(part, `
This is the mail delivery system at %s.

Unfortunately, your message could not be delivered to one or more
recipients. The usual cause of this problem is invalid
recipient address or maintenance at the recipient side.

Contact the postmaster for further assistance, provide the Message ID (below):

Message ID: %s
Arrival: %v
Last delivery attempt: %v

`,
		mtaInfo.ReportingMTA, mtaInfo.XMessageID,
		mtaInfo.ArrivalDate.Truncate(time.Second),
		mtaInfo.LastAttemptDate.Truncate(time.Second))
	if err != nil {
		return err
	}

	for _, rcpt := range rcptsInfo {
		if _, err := fmt.Fprintf(part, "Delivery to %s failed with error: %v\n", rcpt.FinalRecipient, rcpt.DiagnosticCode); err != nil {
			return err
		}
	}
	return nil
}

// writeStatusPart emits the machine-readable message/delivery-status
// part: the per-message field group followed by one group per
// recipient.
func writeStatusPart(utf8 bool, w *textproto.MultipartWriter, mtaInfo ReportingMTAInfo, rcptsInfo []RecipientInfo) error {
	var partHeader textproto.Header
	if utf8 {
		partHeader.Add("Content-Type", "message/global-delivery-status")
	} else {
		partHeader.Add("Content-Type", "message/delivery-status")
	}
	partHeader.Add("Content-Description", "Delivery report")
	part, err := w.CreatePart(partHeader)
	if err != nil {
		return err
	}

	groups := make([]textproto.Header, 0, len(rcptsInfo)+1)
	group, err := mtaInfo.statusFields(utf8)
	if err != nil {
		return err
	}
	groups = append(groups, group)
	for _, rcpt := range rcptsInfo {
		group, err := rcpt.statusFields(utf8)
		if err != nil {
			return err
		}
		groups = append(groups, group)
	}

	for _, group := range groups {
		// WriteHeader adds the blank line that separates the groups.
		if err := textproto.WriteHeader(part, group); err != nil {
			return err
		}
	}
	return nil
}

// writeHeaderPart attaches the header of the failed message.
func writeHeaderPart(utf8 bool, w *textproto.MultipartWriter, header textproto.Header) error {
	var partHeader textproto.Header
	partHeader.Add("Content-Description", "Undelivered message header")
	if utf8 {
		partHeader.Add("Content-Type", "message/global-headers")
	} else {
		partHeader.Add("Content-Type", "message/rfc822-headers")
	}
	partHeader.Add("Content-Transfer-Encoding", "8bit")
	part, err := w.CreatePart(partHeader)
	if err != nil {
		return err
	}
	return textproto.WriteHeader(part, header)
}
