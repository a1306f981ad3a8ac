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
	"bytes"
	"encoding/binary"
	"reflect"
	"testing"
	"time"

	"github.com/foxcpp/ferrum/framework/exterrors"
	"github.com/foxcpp/ferrum/framework/module"
)

func roundTrip(t *testing.T, e *Envelope) *Envelope {
	t.Helper()

	var buf bytes.Buffer
	if err := e.WriteTo(&buf); err != nil {
		t.Fatal("WriteTo:", err)
	}
	decoded, err := ReadEnvelope(&buf)
	if err != nil {
		t.Fatal("ReadEnvelope:", err)
	}
	return decoded
}

func TestEnvelopeRoundTrip(t *testing.T) {
	stamp := time.Unix(1500000000, 12345).UTC()
	e := &Envelope{
		ID:    42,
		Nonce: "0b72b985-7d42-4b01-a2c6-e8954fd24333",
		MsgID: "deadbeefcafe",
		From:  "sender@example.org",
		Recipients: []Recipient{
			{
				Address:     "rcpt1@example.com",
				Domain:      "example.com",
				Status:      StatusQueued,
				NextAttempt: stamp,
			},
			{
				Address:     "rcpt2@example.net",
				Domain:      "example.net",
				Status:      StatusTempFail,
				Tries:       3,
				NextAttempt: stamp.Add(2 * time.Hour),
				LastErr: &RcptError{
					Code:         451,
					EnhancedCode: exterrors.EnhancedCode{4, 7, 1},
					Message:      "TLS is required but unavailable",
				},
			},
			{
				Address: "rcpt3@example.com",
				Domain:  "example.com",
				Status:  StatusDelivered,
				Tries:   1,
			},
		},
		Priority:           module.PriorityHigh,
		Size:               12345,
		BlobKey:            "ab54d286599e2b12",
		AuthResults:        []string{"spf=pass", "dkim=pass header.d=example.org"},
		UTF8:               true,
		RequireTLS:         true,
		TLSRequireOverride: false,
		DontTraceSender:    true,
		OriginalFrom:       "Sender@Example.ORG",
		OriginalRcpts: map[string]string{
			"rcpt1@example.com": "RCPT1@example.com",
		},
		FirstAttempt: stamp,
		LastAttempt:  stamp.Add(time.Minute),
	}

	decoded := roundTrip(t, e)

	// time.Time does not compare well via DeepEqual due to the monotonic
	// clock and location fields, compare stamps separately.
	checkTime := func(what string, a, b time.Time) {
		t.Helper()
		if !a.Equal(b) {
			t.Errorf("%s mismatch: %v != %v", what, a, b)
		}
	}
	checkTime("FirstAttempt", e.FirstAttempt, decoded.FirstAttempt)
	checkTime("LastAttempt", e.LastAttempt, decoded.LastAttempt)
	for i := range e.Recipients {
		checkTime("NextAttempt", e.Recipients[i].NextAttempt, decoded.Recipients[i].NextAttempt)
		e.Recipients[i].NextAttempt = time.Time{}
		decoded.Recipients[i].NextAttempt = time.Time{}
	}
	e.FirstAttempt, decoded.FirstAttempt = time.Time{}, time.Time{}
	e.LastAttempt, decoded.LastAttempt = time.Time{}, time.Time{}

	if !reflect.DeepEqual(e, decoded) {
		t.Errorf("round-trip mismatch\nwant %#+v\ngot  %#+v", e, decoded)
	}
}

func TestEnvelopeRoundTrip_NoRecipients(t *testing.T) {
	e := &Envelope{
		ID:            7,
		Nonce:         "nonce",
		MsgID:         "msgid",
		From:          "",
		BlobKey:       "k",
		OriginalRcpts: map[string]string{},
	}

	decoded := roundTrip(t, e)
	e.FirstAttempt, decoded.FirstAttempt = time.Time{}, time.Time{}
	e.LastAttempt, decoded.LastAttempt = time.Time{}, time.Time{}
	if !reflect.DeepEqual(e, decoded) {
		t.Errorf("round-trip mismatch\nwant %#+v\ngot  %#+v", e, decoded)
	}
	if !decoded.Completed() {
		t.Error("envelope with no recipients should be considered completed")
	}
}

func TestEnvelopeUnknownFieldSkip(t *testing.T) {
	e := &Envelope{
		ID:            1,
		Nonce:         "n",
		MsgID:         "m",
		From:          "a@b",
		BlobKey:       "k",
		OriginalRcpts: map[string]string{},
	}

	var buf bytes.Buffer
	if err := e.WriteTo(&buf); err != nil {
		t.Fatal(err)
	}

	// Append a field with an unassigned tag, readers should skip it.
	unknown := [5]byte{250}
	binary.BigEndian.PutUint32(unknown[1:], 4)
	buf.Write(unknown[:])
	buf.Write([]byte("junk"))

	decoded, err := ReadEnvelope(&buf)
	if err != nil {
		t.Fatal("ReadEnvelope:", err)
	}
	if decoded.From != "a@b" || decoded.ID != 1 {
		t.Errorf("fields lost when skipping unknown data: %+v", decoded)
	}
}

func TestEnvelopeTruncated(t *testing.T) {
	e := &Envelope{ID: 1, Nonce: "n", OriginalRcpts: map[string]string{}}
	var buf bytes.Buffer
	if err := e.WriteTo(&buf); err != nil {
		t.Fatal(err)
	}
	blob := buf.Bytes()

	if _, err := ReadEnvelope(bytes.NewReader(blob[:len(blob)-2])); err == nil {
		t.Error("expected an error for the truncated envelope")
	}
}

func TestEnvelopeNextEvent(t *testing.T) {
	now := time.Now()
	e := &Envelope{
		Recipients: []Recipient{
			{Status: StatusDelivered, NextAttempt: now.Add(-time.Hour)},
			{Status: StatusTempFail, NextAttempt: now.Add(2 * time.Hour)},
			{Status: StatusQueued, NextAttempt: now.Add(time.Hour)},
			{Status: StatusPermFail, NextAttempt: now.Add(-2 * time.Hour)},
		},
	}

	next, pending := e.NextEvent()
	if !pending {
		t.Fatal("expected pending recipients")
	}
	if !next.Equal(now.Add(time.Hour)) {
		t.Errorf("wrong next event: %v", next)
	}

	e.Recipients[1].Status = StatusDelivered
	e.Recipients[2].Status = StatusPermFail
	if _, pending := e.NextEvent(); pending {
		t.Error("terminal recipients should not produce events")
	}
}
