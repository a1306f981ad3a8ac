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
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/foxcpp/ferrum/framework/buffer"
	"github.com/foxcpp/ferrum/framework/config"
	"github.com/foxcpp/ferrum/framework/exterrors"
	"github.com/foxcpp/ferrum/framework/module"
	"github.com/foxcpp/ferrum/internal/testutils"
)

func init() {
	dontRecover = true
}

// attempt describes a single delivery attempt observed by chanTarget.
type attempt struct {
	mailFrom string
	rcpts    []string
}

// chanTarget reports delivery attempts over a channel and fails
// recipients based on the rcptErr map.
type chanTarget struct {
	attempts chan attempt

	lock    sync.Mutex
	rcptErr map[string]error
}

func (ct *chanTarget) setRcptErr(rcpt string, err error) {
	ct.lock.Lock()
	defer ct.lock.Unlock()
	if ct.rcptErr == nil {
		ct.rcptErr = map[string]error{}
	}
	ct.rcptErr[rcpt] = err
}

func (ct *chanTarget) Init(*config.Map) error { return nil }
func (ct *chanTarget) Name() string           { return "test_target" }
func (ct *chanTarget) InstanceName() string   { return "test_target" }

type chanDelivery struct {
	ct       *chanTarget
	mailFrom string
	rcpts    []string
}

func (ct *chanTarget) Start(ctx context.Context, msgMeta *module.MsgMetadata, mailFrom string) (module.Delivery, error) {
	return &chanDelivery{ct: ct, mailFrom: mailFrom}, nil
}

func (d *chanDelivery) AddRcpt(ctx context.Context, to string) error {
	d.ct.lock.Lock()
	err := d.ct.rcptErr[to]
	d.ct.lock.Unlock()
	if err != nil {
		return err
	}
	d.rcpts = append(d.rcpts, to)
	return nil
}

func (d *chanDelivery) Body(ctx context.Context, header textproto.Header, body buffer.Buffer) error {
	return nil
}

func (d *chanDelivery) Abort(ctx context.Context) error {
	d.ct.attempts <- attempt{mailFrom: d.mailFrom, rcpts: d.rcpts}
	return nil
}

func (d *chanDelivery) Commit(ctx context.Context) error {
	d.ct.attempts <- attempt{mailFrom: d.mailFrom, rcpts: d.rcpts}
	return nil
}

func newTestQueue(t *testing.T, target module.DeliveryTarget) *Queue {
	t.Helper()

	loc := t.TempDir()
	blob, err := newFSFallbackStore(filepath.Join(loc, "blobs"))
	if err != nil {
		t.Fatal(err)
	}

	q := &Queue{
		name:          "test_queue",
		location:      loc,
		hostname:      "mx.example.org",
		blob:          blob,
		retrySchedule: []time.Duration{100 * time.Millisecond},
		retryJitter:   0,
		maxAge:        time.Hour,
		leaseTTL:      time.Minute,
		envs:          map[uint64]*envState{},
		blobRefs:      map[string]int{},
		Log:           testutils.Logger(t, "queue"),
		Target:        target,
	}
	if err := q.start(4); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func enqueue(t *testing.T, q *Queue, from string, to []string) {
	t.Helper()

	meta := &module.MsgMetadata{ID: "test-msg"}
	delivery, err := q.Start(context.Background(), meta, from)
	if err != nil {
		t.Fatal(err)
	}
	for _, rcpt := range to {
		if err := delivery.AddRcpt(context.Background(), rcpt); err != nil {
			t.Fatal(err)
		}
	}

	hdr := textproto.Header{}
	hdr.Add("From", "<"+from+">")
	body := buffer.MemoryBuffer{Slice: []byte("foobar\r\n")}
	if err := delivery.Body(context.Background(), hdr, body); err != nil {
		t.Fatal(err)
	}
	if err := delivery.Commit(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func waitAttempt(t *testing.T, ct *chanTarget) attempt {
	t.Helper()
	select {
	case a := <-ct.attempts:
		return a
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the delivery attempt")
		panic("unreachable")
	}
}

func TestQueueDelivery(t *testing.T) {
	ct := &chanTarget{attempts: make(chan attempt, 10)}
	q := newTestQueue(t, ct)

	enqueue(t, q, "sender@example.org", []string{"rcpt@example.com"})

	a := waitAttempt(t, ct)
	if a.mailFrom != "sender@example.org" || len(a.rcpts) != 1 || a.rcpts[0] != "rcpt@example.com" {
		t.Errorf("wrong attempt contents: %+v", a)
	}

	// Give the queue a moment to remove the completed envelope.
	checkEmpty(t, q)
}

func checkEmpty(t *testing.T, q *Queue) {
	t.Helper()

	for i := 0; i < 50; i++ {
		q.envLock.Lock()
		left := len(q.envs)
		q.envLock.Unlock()
		if left == 0 {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Error("queue still has envelopes after the terminal state was reached")
}

func TestQueueDelivery_TempFailRetry(t *testing.T) {
	ct := &chanTarget{attempts: make(chan attempt, 10)}
	ct.setRcptErr("rcpt@example.com", exterrors.WithTemporary(errors.New("later"), true))
	q := newTestQueue(t, ct)

	enqueue(t, q, "sender@example.org", []string{"rcpt@example.com"})

	// First attempt fails, no recipients accepted.
	a := waitAttempt(t, ct)
	if len(a.rcpts) != 0 {
		t.Errorf("unexpected accepted recipients: %v", a.rcpts)
	}

	// Let the retry succeed.
	ct.setRcptErr("rcpt@example.com", nil)

	a = waitAttempt(t, ct)
	if len(a.rcpts) != 1 {
		t.Errorf("expected a retried recipient, got %v", a.rcpts)
	}
	checkEmpty(t, q)
}

func TestQueueDelivery_PermFail(t *testing.T) {
	ct := &chanTarget{attempts: make(chan attempt, 10)}
	ct.setRcptErr("rcpt@example.com", &exterrors.SMTPError{
		Code:         550,
		EnhancedCode: exterrors.EnhancedCode{5, 1, 1},
		Message:      "User unknown",
	})
	q := newTestQueue(t, ct)

	enqueue(t, q, "sender@example.org", []string{"rcpt@example.com"})

	a := waitAttempt(t, ct)
	if len(a.rcpts) != 0 {
		t.Errorf("unexpected accepted recipients: %v", a.rcpts)
	}

	// Permanent failure - no more attempts, the envelope is dropped
	// (no bounce pipeline is configured in this test).
	select {
	case a := <-ct.attempts:
		t.Errorf("unexpected second attempt: %+v", a)
	case <-time.After(500 * time.Millisecond):
	}
	checkEmpty(t, q)
}

func TestQueueDelivery_MultipleRcpts(t *testing.T) {
	ct := &chanTarget{attempts: make(chan attempt, 10)}
	ct.setRcptErr("fail@example.com", &exterrors.SMTPError{
		Code:         550,
		EnhancedCode: exterrors.EnhancedCode{5, 1, 1},
		Message:      "User unknown",
	})
	q := newTestQueue(t, ct)

	enqueue(t, q, "sender@example.org", []string{"ok@example.com", "fail@example.com"})

	a := waitAttempt(t, ct)
	if len(a.rcpts) != 1 || a.rcpts[0] != "ok@example.com" {
		t.Errorf("wrong accepted recipients: %v", a.rcpts)
	}
	checkEmpty(t, q)
}

func TestQueueRecovery(t *testing.T) {
	ct := &chanTarget{attempts: make(chan attempt, 10)}
	ct.setRcptErr("rcpt@example.com", exterrors.WithTemporary(errors.New("later"), true))
	q := newTestQueue(t, ct)
	loc := q.location
	blobDir := filepath.Join(loc, "blobs")

	enqueue(t, q, "sender@example.org", []string{"rcpt@example.com"})
	waitAttempt(t, ct)

	// Simulate the crash: close the queue with the recipient still
	// pending, then restart from the same location.
	q.Close()

	entries, err := os.ReadDir(loc)
	if err != nil {
		t.Fatal(err)
	}
	envCount := 0
	for _, ent := range entries {
		if strings.HasSuffix(ent.Name(), ".env") {
			envCount++
		}
	}
	if envCount != 1 {
		t.Fatalf("expected 1 persisted envelope, found %d", envCount)
	}

	ct.setRcptErr("rcpt@example.com", nil)

	blob, err := newFSFallbackStore(blobDir)
	if err != nil {
		t.Fatal(err)
	}
	q2 := &Queue{
		name:          "test_queue",
		location:      loc,
		hostname:      "mx.example.org",
		blob:          blob,
		retrySchedule: []time.Duration{100 * time.Millisecond},
		maxAge:        time.Hour,
		leaseTTL:      time.Minute,
		envs:          map[uint64]*envState{},
		blobRefs:      map[string]int{},
		Log:           testutils.Logger(t, "queue2"),
		Target:        ct,
	}
	if err := q2.start(4); err != nil {
		t.Fatal(err)
	}
	defer q2.Close()

	a := waitAttempt(t, ct)
	if len(a.rcpts) != 1 || a.rcpts[0] != "rcpt@example.com" {
		t.Errorf("wrong recovered attempt: %+v", a)
	}
	checkEmpty(t, q2)
}
