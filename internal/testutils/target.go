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

package testutils

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"io"
	"reflect"
	"sort"
	"testing"

	"github.com/emersion/go-message/textproto"
	"github.com/foxcpp/ferrum/framework/buffer"
	"github.com/foxcpp/ferrum/framework/config"
	"github.com/foxcpp/ferrum/framework/exterrors"
	"github.com/foxcpp/ferrum/framework/module"
)

// Msg is one message accepted by the test Target.
type Msg struct {
	MsgMeta  *module.MsgMetadata
	MailFrom string
	RcptTo   []string
	Body     []byte
	Header   textproto.Header
}

// Target is the module.DeliveryTarget implementation for tests: it
// records accepted messages and fails the configured operations.
type Target struct {
	Messages        []Msg
	DiscardMessages bool

	StartErr       error
	RcptErr        map[string]error
	BodyErr        error
	PartialBodyErr map[string]error
	AbortErr       error
	CommitErr      error

	InstName string
}

// The module.Module methods are stubs, the pipeline code only uses them
// for logging.

func (dt Target) Init(*config.Map) error {
	return nil
}

func (dt Target) InstanceName() string {
	if dt.InstName != "" {
		return dt.InstName
	}
	return "test_instance"
}

func (dt Target) Name() string {
	return "test_target"
}

type testTargetDelivery struct {
	msg Msg
	tgt *Target
}

type testTargetDeliveryPartial struct {
	testTargetDelivery
}

func (dt *Target) Start(ctx context.Context, msgMeta *module.MsgMetadata, mailFrom string) (module.Delivery, error) {
	delivery := testTargetDelivery{
		tgt: dt,
		msg: Msg{MsgMeta: msgMeta, MailFrom: mailFrom},
	}
	if dt.PartialBodyErr != nil {
		return &testTargetDeliveryPartial{delivery}, dt.StartErr
	}
	return &delivery, dt.StartErr
}

func (dtd *testTargetDelivery) AddRcpt(ctx context.Context, to string) error {
	if err := dtd.tgt.RcptErr[to]; err != nil {
		return err
	}

	dtd.msg.RcptTo = append(dtd.msg.RcptTo, to)
	return nil
}

func (dtd *testTargetDeliveryPartial) BodyNonAtomic(ctx context.Context, c module.StatusCollector, header textproto.Header, buf buffer.Buffer) {
	reportAll := func() {
		for rcpt, err := range dtd.tgt.PartialBodyErr {
			c.SetStatus(rcpt, err)
		}
	}

	if dtd.tgt.PartialBodyErr != nil {
		reportAll()
		return
	}

	dtd.msg.Header = header
	if err := dtd.readBody(buf); err != nil {
		reportAll()
	}
}

func (dtd *testTargetDelivery) readBody(buf buffer.Buffer) error {
	body, err := buf.Open()
	if err != nil {
		return err
	}
	defer body.Close()

	if dtd.tgt.DiscardMessages {
		_, err = io.Copy(io.Discard, body)
		return err
	}

	dtd.msg.Body, err = io.ReadAll(body)
	return err
}

func (dtd *testTargetDelivery) Body(ctx context.Context, header textproto.Header, buf buffer.Buffer) error {
	if dtd.tgt.PartialBodyErr != nil {
		return errors.New("partial failure occurred, no additional information available")
	}
	if dtd.tgt.BodyErr != nil {
		return dtd.tgt.BodyErr
	}

	dtd.msg.Header = header
	return dtd.readBody(buf)
}

func (dtd *testTargetDelivery) Abort(ctx context.Context) error {
	return dtd.tgt.AbortErr
}

func (dtd *testTargetDelivery) Commit(ctx context.Context) error {
	if dtd.tgt.CommitErr != nil {
		return dtd.tgt.CommitErr
	}
	if dtd.tgt.DiscardMessages {
		return nil
	}
	dtd.tgt.Messages = append(dtd.tgt.Messages, dtd.msg)
	return nil
}

// DeliveryData is the exact message content produced by the DoTest*
// helpers below.
const DeliveryData = "A: 1\r\n" +
	"B: 2\r\n" +
	"\r\n" +
	"foobar\r\n"

// testMsgID derives a per-test stable message ID.
func testMsgID(t *testing.T) string {
	idRaw := sha1.Sum([]byte(t.Name()))
	return hex.EncodeToString(idRaw[:])
}

func testMsgHeader() textproto.Header {
	hdr := textproto.Header{}
	hdr.Add("B", "2")
	hdr.Add("A", "1")
	return hdr
}

// logFailure prints the error with its structured fields attached.
func logFailure(t *testing.T, what string, err error) {
	t.Helper()
	t.Log("-- ...", what, err, exterrors.Fields(err))
}

// startAndAddRcpts runs the Start and AddRcpt stages, aborting on
// recipient errors.
func startAndAddRcpts(t *testing.T, tgt module.DeliveryTarget, msgMeta *module.MsgMetadata, from string, to []string) (module.Delivery, error) {
	t.Helper()
	ctx := context.Background()

	t.Log("-- tgt.Start", from)
	delivery, err := tgt.Start(ctx, msgMeta, from)
	if err != nil {
		logFailure(t, "tgt.Start "+from, err)
		return nil, err
	}

	for _, rcpt := range to {
		t.Log("-- delivery.AddRcpt", rcpt)
		if err := delivery.AddRcpt(ctx, rcpt); err != nil {
			logFailure(t, "delivery.AddRcpt "+rcpt, err)
			t.Log("-- delivery.Abort")
			if err := delivery.Abort(ctx); err != nil {
				logFailure(t, "delivery.Abort", err)
			}
			return nil, err
		}
	}
	return delivery, nil
}

// DoTestDeliveryErrMeta drives a complete delivery of the standard test
// message and returns the used ID and the error, if any.
func DoTestDeliveryErrMeta(t *testing.T, tgt module.DeliveryTarget, from string, to []string, msgMeta *module.MsgMetadata) (string, error) {
	t.Helper()
	ctx := context.Background()

	encodedID := testMsgID(t)
	msgMeta.DontTraceSender = true
	msgMeta.ID = encodedID

	delivery, err := startAndAddRcpts(t, tgt, msgMeta, from, to)
	if err != nil {
		return encodedID, err
	}

	t.Log("-- delivery.Body")
	body := buffer.MemoryBuffer{Slice: []byte("foobar\r\n")}
	if err := delivery.Body(ctx, testMsgHeader(), body); err != nil {
		logFailure(t, "delivery.Body", err)
		t.Log("-- delivery.Abort")
		if err := delivery.Abort(ctx); err != nil {
			logFailure(t, "delivery.Abort", err)
		}
		return encodedID, err
	}

	t.Log("-- delivery.Commit")
	if err := delivery.Commit(ctx); err != nil {
		logFailure(t, "delivery.Commit", err)
		return encodedID, err
	}

	return encodedID, nil
}

func DoTestDeliveryErr(t *testing.T, tgt module.DeliveryTarget, from string, to []string) (string, error) {
	return DoTestDeliveryErrMeta(t, tgt, from, to, &module.MsgMetadata{})
}

func DoTestDeliveryMeta(t *testing.T, tgt module.DeliveryTarget, from string, to []string, msgMeta *module.MsgMetadata) string {
	t.Helper()

	id, err := DoTestDeliveryErrMeta(t, tgt, from, to, msgMeta)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	return id
}

func DoTestDelivery(t *testing.T, tgt module.DeliveryTarget, from string, to []string) string {
	t.Helper()
	return DoTestDeliveryMeta(t, tgt, from, to, &module.MsgMetadata{
		OriginalFrom: from,
	})
}

// DoTestDeliveryNonAtomic is DoTestDelivery using the PartialDelivery
// interface with the passed status collector.
func DoTestDeliveryNonAtomic(t *testing.T, c module.StatusCollector, tgt module.DeliveryTarget, from string, to []string) string {
	t.Helper()
	ctx := context.Background()

	encodedID := testMsgID(t)
	msgMeta := module.MsgMetadata{
		DontTraceSender: true,
		ID:              encodedID,
		OriginalFrom:    from,
	}

	delivery, err := startAndAddRcpts(t, tgt, &msgMeta, from, to)
	if err != nil {
		t.Fatalf("Unexpected err: %v %+v", err, exterrors.Fields(err))
		return encodedID
	}

	t.Log("-- delivery.BodyNonAtomic")
	body := buffer.MemoryBuffer{Slice: []byte("foobar\r\n")}
	delivery.(module.PartialDelivery).BodyNonAtomic(ctx, c, testMsgHeader(), body)

	t.Log("-- delivery.Commit")
	if err := delivery.Commit(ctx); err != nil {
		t.Fatalf("Unexpected err: %v %+v", err, exterrors.Fields(err))
	}

	return encodedID
}

func CheckTestMessage(t *testing.T, tgt *Target, indx int, sender string, rcpt []string) {
	t.Helper()

	if len(tgt.Messages) <= indx {
		t.Errorf("wrong amount of messages received, want at least %d, got %d", indx+1, len(tgt.Messages))
		return
	}
	msg := tgt.Messages[indx]
	CheckMsg(t, &msg, sender, rcpt)
}

func CheckMsg(t *testing.T, msg *Msg, sender string, rcpt []string) {
	t.Helper()
	CheckMsgID(t, msg, sender, rcpt, testMsgID(t))
}

func CheckMsgID(t *testing.T, msg *Msg, sender string, rcpt []string, id string) string {
	t.Helper()

	if msg.MsgMeta.ID != id && id != "" {
		t.Errorf("empty or wrong delivery context for passed message? %+v", msg.MsgMeta)
	}
	if msg.MailFrom != sender {
		t.Errorf("wrong sender, want %s, got %s", sender, msg.MailFrom)
	}

	sort.Strings(rcpt)
	sort.Strings(msg.RcptTo)
	if !reflect.DeepEqual(msg.RcptTo, rcpt) {
		t.Errorf("wrong recipients, want %v, got %v", rcpt, msg.RcptTo)
	}
	if string(msg.Body) != "foobar\r\n" {
		t.Errorf("wrong body, want '%s', got '%s' (%v)", "foobar\r\n", string(msg.Body), msg.Body)
	}

	return msg.MsgMeta.ID
}
