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

package queue

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/foxcpp/ferrum/framework/exterrors"
	"github.com/foxcpp/ferrum/framework/module"
)

// RcptStatus is the delivery state of a single envelope recipient.
type RcptStatus uint8

const (
	StatusQueued RcptStatus = iota
	StatusInflight
	StatusDelivered
	StatusTempFail
	StatusPermFail
)

func (s RcptStatus) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusInflight:
		return "inflight"
	case StatusDelivered:
		return "delivered"
	case StatusTempFail:
		return "tempfail"
	case StatusPermFail:
		return "permfail"
	}
	return "???"
}

// Terminal reports whether the status is final. Recipients never leave
// terminal statuses.
func (s RcptStatus) Terminal() bool {
	return s == StatusDelivered || s == StatusPermFail
}

// RcptError is the last error recorded for the recipient, reduced to the
// form that can be serialized and used in a DSN.
type RcptError struct {
	Code         int
	EnhancedCode exterrors.EnhancedCode
	Message      string
}

func (e *RcptError) Error() string {
	return fmt.Sprintf("SMTP error %d: %s", e.Code, e.Message)
}

func (e *RcptError) Temporary() bool {
	return e.Code/100 == 4
}

// Recipient is one destination address of the queued message.
type Recipient struct {
	// Address in the case-folded, NFC-normalized form.
	Address string

	// Domain is the routing partition key, the domain part of Address at
	// the time the envelope was created.
	Domain string

	Status RcptStatus

	// Amount of delivery attempts already done.
	Tries int

	// Time of the next scheduled delivery attempt. Meaningless for
	// terminal statuses.
	NextAttempt time.Time

	// Last delivery error, nil if there were no failed attempts.
	LastErr *RcptError
}

// Envelope is the scheduling unit of the queue. It describes a single
// queued message: its return path, the per-recipient delivery state and
// the reference to the immutable content blob.
type Envelope struct {
	// ID is a 64-bit identifier allocated monotonically by the queue.
	ID uint64

	// Nonce is a random file-safe token making the envelope identity
	// unique across queue rebuilds.
	Nonce string

	// MsgID is the message identifier used in logs and trace fields.
	MsgID string

	// From is the return path (MAIL FROM). Empty for bounces.
	From string

	Recipients []Recipient

	Priority module.Priority

	// Size of the message content, in bytes.
	Size int64

	// BlobKey is the content address (BLAKE3 hash) of the message blob.
	BlobKey string

	// AuthResults carries the Authentication-Results field values
	// computed when the message was accepted.
	AuthResults []string

	// Values of MsgMetadata flags that must survive the round-trip
	// through the queue.
	UTF8               bool
	RequireTLS         bool
	TLSRequireOverride bool
	DontTraceSender    bool

	OriginalFrom  string
	OriginalRcpts map[string]string

	FirstAttempt time.Time
	LastAttempt  time.Time
}

// NextEvent computes the earliest next-attempt timestamp across
// non-terminal recipients. ok is false if all recipients are terminal.
func (e *Envelope) NextEvent() (t time.Time, ok bool) {
	for _, rcpt := range e.Recipients {
		if rcpt.Status.Terminal() {
			continue
		}
		if !ok || rcpt.NextAttempt.Before(t) {
			t = rcpt.NextAttempt
			ok = true
		}
	}
	return t, ok
}

// Completed reports whether all recipients reached a terminal status.
func (e *Envelope) Completed() bool {
	_, pending := e.NextEvent()
	return !pending
}

/*
Serialization format.

The envelope is stored as:

	version  u8 (currently 1)
	flags    u8 (bit 0 - UTF8, bit 1 - REQUIRETLS, bit 2 - TLS-Required: No,
	             bit 3 - DontTraceSender)

followed by a sequence of tagged fields:

	tag      u8
	length   u32 (big endian)
	payload  [length]byte

Unknown tags are skipped using the length value, making it possible to add
fields without breaking older readers.
*/

const envelopeVersion = 1

const (
	flagUTF8 = 1 << iota
	flagRequireTLS
	flagTLSRequireOverride
	flagDontTraceSender
)

const (
	tagID = iota + 1
	tagNonce
	tagMsgID
	tagFrom
	tagPriority
	tagSize
	tagBlobKey
	tagAuthResult
	tagOriginalFrom
	tagOriginalRcpt
	tagFirstAttempt
	tagLastAttempt
	tagRecipient
)

// Tags of the nested recipient block.
const (
	rcptTagAddress = iota + 1
	rcptTagDomain
	rcptTagStatus
	rcptTagTries
	rcptTagNextAttempt
	rcptTagLastErr
)

var ErrBadEnvelope = errors.New("queue: malformed envelope")

type fieldWriter struct {
	w   io.Writer
	err error
}

func (fw *fieldWriter) raw(tag uint8, payload []byte) {
	if fw.err != nil {
		return
	}
	hdr := [5]byte{tag}
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(payload)))
	if _, err := fw.w.Write(hdr[:]); err != nil {
		fw.err = err
		return
	}
	_, fw.err = fw.w.Write(payload)
}

func (fw *fieldWriter) str(tag uint8, s string) {
	fw.raw(tag, []byte(s))
}

func (fw *fieldWriter) u64(tag uint8, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	fw.raw(tag, b[:])
}

func (fw *fieldWriter) i64(tag uint8, v int64) {
	fw.u64(tag, uint64(v))
}

func (fw *fieldWriter) timeField(tag uint8, t time.Time) {
	if t.IsZero() {
		return
	}
	fw.i64(tag, t.UnixNano())
}

func writeKV(fw *fieldWriter, key, value string) {
	payload := make([]byte, 0, 2+len(key)+len(value))
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(key)))
	payload = append(payload, l[:]...)
	payload = append(payload, key...)
	payload = append(payload, value...)
	fw.raw(tagOriginalRcpt, payload)
}

// WriteTo serializes the envelope.
func (e *Envelope) WriteTo(w io.Writer) error {
	var flags uint8
	if e.UTF8 {
		flags |= flagUTF8
	}
	if e.RequireTLS {
		flags |= flagRequireTLS
	}
	if e.TLSRequireOverride {
		flags |= flagTLSRequireOverride
	}
	if e.DontTraceSender {
		flags |= flagDontTraceSender
	}
	if _, err := w.Write([]byte{envelopeVersion, flags}); err != nil {
		return err
	}

	fw := &fieldWriter{w: w}
	fw.u64(tagID, e.ID)
	fw.str(tagNonce, e.Nonce)
	fw.str(tagMsgID, e.MsgID)
	fw.str(tagFrom, e.From)
	fw.raw(tagPriority, []byte{uint8(e.Priority)})
	fw.i64(tagSize, e.Size)
	fw.str(tagBlobKey, e.BlobKey)
	for _, res := range e.AuthResults {
		fw.str(tagAuthResult, res)
	}
	fw.str(tagOriginalFrom, e.OriginalFrom)
	for final, orig := range e.OriginalRcpts {
		writeKV(fw, final, orig)
	}
	fw.timeField(tagFirstAttempt, e.FirstAttempt)
	fw.timeField(tagLastAttempt, e.LastAttempt)

	for _, rcpt := range e.Recipients {
		blob, err := rcpt.marshal()
		if err != nil {
			return err
		}
		fw.raw(tagRecipient, blob)
	}

	return fw.err
}

func (rcpt *Recipient) marshal() ([]byte, error) {
	buf := &appendBuf{}
	fw := &fieldWriter{w: buf}
	fw.str(rcptTagAddress, rcpt.Address)
	fw.str(rcptTagDomain, rcpt.Domain)
	fw.raw(rcptTagStatus, []byte{uint8(rcpt.Status)})
	fw.u64(rcptTagTries, uint64(rcpt.Tries))
	fw.timeField(rcptTagNextAttempt, rcpt.NextAttempt)
	if rcpt.LastErr != nil {
		errBlob := make([]byte, 8)
		binary.BigEndian.PutUint16(errBlob[0:], uint16(rcpt.LastErr.Code))
		binary.BigEndian.PutUint16(errBlob[2:], uint16(rcpt.LastErr.EnhancedCode[0]))
		binary.BigEndian.PutUint16(errBlob[4:], uint16(rcpt.LastErr.EnhancedCode[1]))
		binary.BigEndian.PutUint16(errBlob[6:], uint16(rcpt.LastErr.EnhancedCode[2]))
		errBlob = append(errBlob, rcpt.LastErr.Message...)
		fw.raw(rcptTagLastErr, errBlob)
	}
	return buf.b, fw.err
}

type appendBuf struct {
	b []byte
}

func (ab *appendBuf) Write(p []byte) (int, error) {
	ab.b = append(ab.b, p...)
	return len(p), nil
}

type fieldReader struct {
	b []byte
}

func (fr *fieldReader) next() (tag uint8, payload []byte, err error) {
	if len(fr.b) == 0 {
		return 0, nil, io.EOF
	}
	if len(fr.b) < 5 {
		return 0, nil, ErrBadEnvelope
	}
	tag = fr.b[0]
	length := binary.BigEndian.Uint32(fr.b[1:5])
	if uint32(len(fr.b)-5) < length {
		return 0, nil, ErrBadEnvelope
	}
	payload = fr.b[5 : 5+length]
	fr.b = fr.b[5+length:]
	return tag, payload, nil
}

func readU64(payload []byte) (uint64, error) {
	if len(payload) != 8 {
		return 0, ErrBadEnvelope
	}
	return binary.BigEndian.Uint64(payload), nil
}

func readTime(payload []byte) (time.Time, error) {
	v, err := readU64(payload)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, int64(v)), nil
}

// ReadEnvelope deserializes the envelope, skipping unknown fields.
func ReadEnvelope(r io.Reader) (*Envelope, error) {
	blob, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if len(blob) < 2 {
		return nil, ErrBadEnvelope
	}
	if blob[0] != envelopeVersion {
		return nil, fmt.Errorf("queue: unsupported envelope version: %d", blob[0])
	}
	flags := blob[1]

	e := &Envelope{
		UTF8:               flags&flagUTF8 != 0,
		RequireTLS:         flags&flagRequireTLS != 0,
		TLSRequireOverride: flags&flagTLSRequireOverride != 0,
		DontTraceSender:    flags&flagDontTraceSender != 0,
		OriginalRcpts:      map[string]string{},
	}

	fr := &fieldReader{b: blob[2:]}
	for {
		tag, payload, err := fr.next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		switch tag {
		case tagID:
			e.ID, err = readU64(payload)
		case tagNonce:
			e.Nonce = string(payload)
		case tagMsgID:
			e.MsgID = string(payload)
		case tagFrom:
			e.From = string(payload)
		case tagPriority:
			if len(payload) != 1 {
				return nil, ErrBadEnvelope
			}
			e.Priority = module.Priority(int8(payload[0]))
		case tagSize:
			var v uint64
			v, err = readU64(payload)
			e.Size = int64(v)
		case tagBlobKey:
			e.BlobKey = string(payload)
		case tagAuthResult:
			e.AuthResults = append(e.AuthResults, string(payload))
		case tagOriginalFrom:
			e.OriginalFrom = string(payload)
		case tagOriginalRcpt:
			if len(payload) < 2 {
				return nil, ErrBadEnvelope
			}
			keyLen := binary.BigEndian.Uint16(payload[0:2])
			if int(keyLen) > len(payload)-2 {
				return nil, ErrBadEnvelope
			}
			e.OriginalRcpts[string(payload[2:2+keyLen])] = string(payload[2+keyLen:])
		case tagFirstAttempt:
			e.FirstAttempt, err = readTime(payload)
		case tagLastAttempt:
			e.LastAttempt, err = readTime(payload)
		case tagRecipient:
			var rcpt Recipient
			rcpt, err = unmarshalRcpt(payload)
			e.Recipients = append(e.Recipients, rcpt)
		default:
			// Unknown field, skip.
		}
		if err != nil {
			return nil, err
		}
	}

	return e, nil
}

func unmarshalRcpt(blob []byte) (Recipient, error) {
	rcpt := Recipient{}
	fr := &fieldReader{b: blob}
	for {
		tag, payload, err := fr.next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return rcpt, err
		}

		switch tag {
		case rcptTagAddress:
			rcpt.Address = string(payload)
		case rcptTagDomain:
			rcpt.Domain = string(payload)
		case rcptTagStatus:
			if len(payload) != 1 {
				return rcpt, ErrBadEnvelope
			}
			rcpt.Status = RcptStatus(payload[0])
		case rcptTagTries:
			v, err := readU64(payload)
			if err != nil {
				return rcpt, err
			}
			rcpt.Tries = int(v)
		case rcptTagNextAttempt:
			var err error
			rcpt.NextAttempt, err = readTime(payload)
			if err != nil {
				return rcpt, err
			}
		case rcptTagLastErr:
			if len(payload) < 8 {
				return rcpt, ErrBadEnvelope
			}
			rcpt.LastErr = &RcptError{
				Code: int(binary.BigEndian.Uint16(payload[0:2])),
				EnhancedCode: exterrors.EnhancedCode{
					int(binary.BigEndian.Uint16(payload[2:4])),
					int(binary.BigEndian.Uint16(payload[4:6])),
					int(binary.BigEndian.Uint16(payload[6:8])),
				},
				Message: string(payload[8:]),
			}
		default:
			// Unknown field, skip.
		}
	}
	return rcpt, nil
}
