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

/*
Package queue implements the durable delivery queue.

Interfaces implemented:
- module.DeliveryTarget

Accepted messages are persisted before the acceptance is acknowledged: the
message content is written to a content-addressed blob store and the
envelope (return path, per-recipient state, scheduling information) is
serialized into a compact binary record. A restart or a crash at any point
leaves a recoverable state.

Delivery scheduling is driven by a single min-heap keyed by the envelope
next-event timestamp. Due envelopes are leased to a delivery goroutine; a
lease that is not released before its expiry is reclaimed as if the worker
crashed. An envelope is never processed by more than one worker at a time.

Failure status is determined on the per-recipient basis:
  - Delivery.Start failure is a failure for all recipients.
  - Delivery.AddRcpt failure is a failure for the corresponding recipient.
  - Delivery.Body failure is a failure for all recipients, unless the
    target implements PartialDelivery and reports statuses itself.

Temporary failures are retried using the configured schedule until the
message age exceeds max_age, then a DSN is generated. Permanently failed
recipients get a DSN immediately. The envelope is removed (and the blob
reference is released) once all recipients reach a terminal state.
*/
package queue

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"runtime/debug"
	"runtime/trace"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-smtp"
	"github.com/foxcpp/ferrum/framework/buffer"
	"github.com/foxcpp/ferrum/framework/config"
	modconfig "github.com/foxcpp/ferrum/framework/config/module"
	"github.com/foxcpp/ferrum/framework/exterrors"
	"github.com/foxcpp/ferrum/framework/log"
	"github.com/foxcpp/ferrum/framework/module"
	"github.com/foxcpp/ferrum/internal/dsn"
	"github.com/foxcpp/ferrum/internal/msgpipeline"
	"github.com/foxcpp/ferrum/internal/storage/blob/fs"
	"github.com/foxcpp/ferrum/internal/target"
	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

// partialError describes the state of the partially successful delivery
// attempt.
type partialError struct {
	// Underlying error objects for each recipient.
	Errs map[string]error

	// Fields can be accessed without holding this lock, but only after
	// target.BodyNonAtomic/Body returns.
	statusLock *sync.Mutex
}

// SetStatus implements module.StatusCollector so partialError can be
// passed directly to PartialDelivery.BodyNonAtomic.
func (pe *partialError) SetStatus(rcptTo string, err error) {
	log.Debugf("PartialError.SetStatus(%s, %v)", rcptTo, err)
	if err == nil {
		return
	}
	pe.statusLock.Lock()
	defer pe.statusLock.Unlock()
	pe.Errs[rcptTo] = err
}

func (pe partialError) Error() string {
	return fmt.Sprintf("delivery failed for some recipients: %v", pe.Errs)
}

// dontRecover controls the behavior of panic handlers, if it is set to
// true - they are disabled and so tests will panic to avoid masking bugs.
var dontRecover = false

// envState is the in-memory scheduling state of one persisted envelope.
type envState struct {
	nonce    string
	fileName string

	leased      bool
	leaseExpiry time.Time
}

type Queue struct {
	name             string
	location         string
	hostname         string
	autogenMsgDomain string

	blob  module.BlobStore
	sched *Scheduler

	dsnPipeline module.DeliveryTarget

	retrySchedule []time.Duration
	retryJitter   float64
	maxAge        time.Duration
	leaseTTL      time.Duration
	postInitDelay time.Duration

	Log    log.Logger
	Target module.DeliveryTarget

	// envLock protects envs, nextID and blobRefs.
	envLock  sync.Mutex
	envs     map[uint64]*envState
	nextID   uint64
	blobRefs map[string]int

	deliveryWg sync.WaitGroup
	// Buffered channel used to restrict the count of deliveries attempted
	// in parallel.
	deliverySemaphore chan struct{}
}

// The default retry schedule. After it is exhausted, the last step is
// repeated until the message age reaches max_age.
var defaultRetrySchedule = []time.Duration{
	2 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	1 * time.Hour,
	3 * time.Hour,
	6 * time.Hour,
	12 * time.Hour,
}

func NewQueue(_, instName string, _, inlineArgs []string) (module.Module, error) {
	q := &Queue{
		name:          instName,
		retrySchedule: defaultRetrySchedule,
		retryJitter:   0.1,
		postInitDelay: 10 * time.Second,
		envs:          map[uint64]*envState{},
		blobRefs:      map[string]int{},
		Log:           log.Logger{Name: "queue"},
	}
	switch len(inlineArgs) {
	case 0:
		// Not an inline definition.
	case 1:
		q.location = inlineArgs[0]
	default:
		return nil, errors.New("queue: wrong amount of inline arguments")
	}
	return q, nil
}

func (q *Queue) Init(cfg *config.Map) error {
	var (
		maxParallelism int
		scheduleStr    []string
	)
	cfg.Bool("debug", true, false, &q.Log.Debug)
	cfg.Int("max_parallelism", false, false, 16, &maxParallelism)
	cfg.String("location", false, false, q.location, &q.location)
	cfg.Custom("target", false, true, nil, modconfig.DeliveryDirective, &q.Target)
	cfg.String("hostname", true, true, "", &q.hostname)
	cfg.String("autogenerated_msg_domain", true, false, "", &q.autogenMsgDomain)
	cfg.StringList("retry_schedule", false, false, nil, &scheduleStr)
	cfg.Duration("max_age", false, false, 5*24*time.Hour, &q.maxAge)
	cfg.Duration("lease_duration", false, false, 30*time.Minute, &q.leaseTTL)
	cfg.Custom("storage", false, false, func() (interface{}, error) {
		return nil, nil
	}, modconfig.BlobDirective, &q.blob)
	cfg.Custom("bounce", false, false, nil, func(m *config.Map, node config.Node) (interface{}, error) {
		return msgpipeline.New(m.Globals, node.Children)
	}, &q.dsnPipeline)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	if len(scheduleStr) != 0 {
		q.retrySchedule = make([]time.Duration, 0, len(scheduleStr))
		for _, s := range scheduleStr {
			dur, err := time.ParseDuration(s)
			if err != nil {
				return fmt.Errorf("queue: invalid retry_schedule entry: %v", err)
			}
			q.retrySchedule = append(q.retrySchedule, dur)
		}
	}

	if q.dsnPipeline != nil {
		if q.autogenMsgDomain == "" {
			return errors.New("queue: autogenerated_msg_domain is required if bounce {} is specified")
		}

		q.dsnPipeline.(*msgpipeline.MsgPipeline).Hostname = q.hostname
		q.dsnPipeline.(*msgpipeline.MsgPipeline).Log = log.Logger{Name: "queue/pipeline", Debug: q.Log.Debug}
	}
	if q.location == "" && q.name == "" {
		return errors.New("queue: need explicit location directive or inline argument if defined inline")
	}
	if q.location == "" {
		q.location = filepath.Join(config.StateDirectory, q.name)
	}

	if err := os.MkdirAll(q.location, 0o700); err != nil {
		return err
	}

	if q.blob == nil {
		var err error
		q.blob, err = newFSFallbackStore(filepath.Join(q.location, "blobs"))
		if err != nil {
			return err
		}
	}

	return q.start(maxParallelism)
}

func (q *Queue) start(maxParallelism int) error {
	q.deliverySemaphore = make(chan struct{}, maxParallelism)
	q.sched = NewScheduler(q.dispatch)

	if err := q.readDiskQueue(); err != nil {
		return err
	}

	q.Log.Debugf("delivery target: %T", q.Target)

	return nil
}

func (q *Queue) Close() error {
	q.sched.Close()
	q.deliveryWg.Wait()

	return nil
}

func (q *Queue) InstanceName() string {
	return q.name
}

func (q *Queue) Name() string {
	return "queue"
}

// envFileName returns the on-disk name for the envelope: the next-event
// timestamp followed by the envelope id and nonce. Keeping the timestamp
// first makes the directory listing sorted by the schedule.
func envFileName(nextEvent time.Time, id uint64, nonce string) string {
	return fmt.Sprintf("%011d-%016x-%s.env", nextEvent.Unix(), id, nonce)
}

func parseEnvFileName(name string) (id uint64, ok bool) {
	if !strings.HasSuffix(name, ".env") {
		return 0, false
	}
	parts := strings.SplitN(strings.TrimSuffix(name, ".env"), "-", 3)
	if len(parts) != 3 {
		return 0, false
	}
	id, err := strconv.ParseUint(parts[1], 16, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// persistEnvelope writes the envelope to the disk, fsyncs it and atomically
// replaces the previous record (if any). The queue operation itself is
// retried a bounded number of times if the storage reports a temporary
// failure.
func (q *Queue) persistEnvelope(e *Envelope, state *envState) error {
	nextEvent, pending := e.NextEvent()
	if !pending {
		nextEvent = time.Now()
	}
	newName := envFileName(nextEvent, e.ID, e.Nonce)

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		lastErr = q.writeEnvelopeFile(e, newName)
		if lastErr == nil {
			break
		}
		q.Log.Error("envelope write failed, retrying", lastErr, "id", e.ID)
		time.Sleep(time.Duration(attempt+1) * 500 * time.Millisecond)
	}
	if lastErr != nil {
		return exterrors.WithTemporary(lastErr, true)
	}

	if state.fileName != "" && state.fileName != newName {
		if err := os.Remove(filepath.Join(q.location, state.fileName)); err != nil && !os.IsNotExist(err) {
			q.Log.Error("stale envelope file remove failed", err)
		}
	}
	state.fileName = newName
	return nil
}

func (q *Queue) writeEnvelopeFile(e *Envelope, name string) error {
	tmpPath := filepath.Join(q.location, name+".new")
	f, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	if err := e.WriteTo(f); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, filepath.Join(q.location, name))
}

func (q *Queue) readEnvelope(state *envState) (*Envelope, error) {
	f, err := os.Open(filepath.Join(q.location, state.fileName))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadEnvelope(bufio.NewReader(f))
}

// quarantineEnvelope moves the envelope record to the dead-letter name so
// it is not retried. It is used when the stored record cannot be decoded.
func (q *Queue) quarantineEnvelope(state *envState, id uint64) {
	broken := state.fileName + "_broken"
	err := os.Rename(filepath.Join(q.location, state.fileName), filepath.Join(q.location, broken))
	if err != nil {
		log.Printf("can't quarantine the broken envelope: %v", err)
		return
	}
	q.Log.Msg("envelope quarantined to dead-letter store", "id", id, "file", broken)
	quarantinedEnvelopes.WithLabelValues(q.name).Inc()

	q.envLock.Lock()
	delete(q.envs, id)
	q.envLock.Unlock()
}

func (q *Queue) releaseBlob(key string) {
	q.envLock.Lock()
	q.blobRefs[key]--
	remove := q.blobRefs[key] <= 0
	if remove {
		delete(q.blobRefs, key)
	}
	q.envLock.Unlock()

	if remove {
		if err := q.blob.Delete(context.Background(), []string{key}); err != nil {
			q.Log.Error("blob delete failed", err, "key", key)
		}
	}
}

func (q *Queue) removeEnvelope(e *Envelope, state *envState) {
	q.envLock.Lock()
	delete(q.envs, e.ID)
	q.envLock.Unlock()

	if err := os.Remove(filepath.Join(q.location, state.fileName)); err != nil && !os.IsNotExist(err) {
		q.Log.Error("failed to remove envelope record", err, "id", e.ID)
	}
	q.releaseBlob(e.BlobKey)
	q.Log.DebugMsg("envelope removed", "id", e.ID)
}

// dispatch is called by the scheduler for each due slot.
func (q *Queue) dispatch(slot Slot) {
	q.envLock.Lock()
	state, ok := q.envs[slot.ID]
	if !ok {
		q.envLock.Unlock()
		return
	}

	if slot.LeaseCheck {
		if !state.leased || time.Now().Before(state.leaseExpiry) {
			q.envLock.Unlock()
			return
		}
		// The worker did not release the lease in time, assume it
		// crashed and reschedule the envelope.
		q.Log.Msg("lease expired, reclaiming envelope", "id", slot.ID)
		reclaimedLeases.WithLabelValues(q.name).Inc()
		state.leased = false
		q.envLock.Unlock()
		q.sched.Add(Slot{Time: time.Now(), ID: slot.ID, Priority: slot.Priority})
		return
	}

	if state.leased {
		// Already being processed, the attempt will be rescheduled by the
		// worker if necessary.
		q.envLock.Unlock()
		return
	}
	state.leased = true
	state.leaseExpiry = time.Now().Add(q.leaseTTL)
	q.envLock.Unlock()

	q.sched.Add(Slot{Time: state.leaseExpiry, ID: slot.ID, Priority: slot.Priority, LeaseCheck: true})

	q.Log.Debugln("starting delivery for", slot.ID)

	q.deliveryWg.Add(1)
	go func() {
		q.Log.Debugln("waiting on delivery semaphore for", slot.ID)
		q.deliverySemaphore <- struct{}{}
		defer func() {
			<-q.deliverySemaphore
			q.deliveryWg.Done()

			if dontRecover {
				return
			}

			if err := recover(); err != nil {
				stack := debug.Stack()
				log.Printf("panic during queue dispatch %d: %v\n%s", slot.ID, err, stack)
				q.quarantineEnvelope(state, slot.ID)
			}
		}()

		q.Log.Debugln("delivery semaphore acquired for", slot.ID)

		e, err := q.readEnvelope(state)
		if err != nil {
			if errors.Is(err, ErrBadEnvelope) {
				q.Log.Error("envelope record is corrupted", err, "id", slot.ID)
				q.quarantineEnvelope(state, slot.ID)
			} else {
				q.Log.Error("envelope read failed, will retry later", err, "id", slot.ID)
				q.releaseLease(slot.ID, time.Now().Add(1*time.Minute), slot.Priority)
			}
			return
		}

		q.tryDelivery(e, state)
	}()
}

// releaseLease drops the lease and reschedules the envelope at the
// specified time.
func (q *Queue) releaseLease(id uint64, next time.Time, prio module.Priority) {
	q.envLock.Lock()
	state, ok := q.envs[id]
	if ok {
		state.leased = false
	}
	q.envLock.Unlock()
	if ok {
		q.sched.Add(Slot{Time: next, ID: id, Priority: prio})
	}
}

func (q *Queue) releaseLeaseCompleted(id uint64) {
	q.envLock.Lock()
	if state, ok := q.envs[id]; ok {
		state.leased = false
	}
	q.envLock.Unlock()
}

// retryDelay computes the delay before the next attempt for a recipient
// that was tried triesDone times already. A uniform ±jitter is applied so
// big queued batches do not hit the destination in lockstep.
func (q *Queue) retryDelay(triesDone int) time.Duration {
	indx := triesDone - 1
	if indx < 0 {
		indx = 0
	}
	if indx >= len(q.retrySchedule) {
		indx = len(q.retrySchedule) - 1
	}
	step := q.retrySchedule[indx]

	jitter := 1 + q.retryJitter*(2*rand.Float64()-1)
	return time.Duration(float64(step) * jitter)
}

func (q *Queue) tryDelivery(e *Envelope, state *envState) {
	dl := q.Log
	dl.Fields = map[string]interface{}{"msg_id": e.MsgID, "id": e.ID}

	header, body, err := q.openContent(e)
	if err != nil {
		dl.Error("content read failed, will retry later", err)
		q.releaseLease(e.ID, time.Now().Add(1*time.Minute), e.Priority)
		return
	}
	defer body.Remove()

	// Mark the attempted recipients as in-flight so a crash in the middle
	// of the attempt is distinguishable in the stored record. Recovery
	// turns them back into due retries.
	for i := range e.Recipients {
		if !e.Recipients[i].Status.Terminal() {
			e.Recipients[i].Status = StatusInflight
		}
	}
	if err := q.persistEnvelope(e, state); err != nil {
		dl.Error("envelope update failed", err)
	}

	perr := q.deliver(e, header, body)
	dl.Debugf("errors: %v", perr.Errs)

	now := time.Now()
	expired := now.Sub(e.FirstAttempt) > q.maxAge

	var dsnRcpts []Recipient
	for i := range e.Recipients {
		rcpt := &e.Recipients[i]
		if rcpt.Status.Terminal() {
			continue
		}

		rcptErr, failed := perr.Errs[rcpt.Address]
		if !failed {
			dl.Msg("delivered", "rcpt", rcpt.Address, "attempt", rcpt.Tries+1)
			rcpt.Status = StatusDelivered
			rcpt.Tries++
			deliveredRcpts.WithLabelValues(q.name).Inc()
			continue
		}

		rcpt.Tries++
		rcpt.LastErr = toRcptError(rcptErr)
		dl.Error("delivery attempt failed", rcptErr, "rcpt", rcpt.Address)

		temporary := exterrors.IsTemporaryOrUnspec(rcptErr)
		if temporary && !expired {
			rcpt.Status = StatusTempFail
			rcpt.NextAttempt = now.Add(q.retryDelay(rcpt.Tries))
			continue
		}

		if temporary {
			rcpt.LastErr = &RcptError{
				Code:         451,
				EnhancedCode: exterrors.EnhancedCode{4, 4, 7},
				Message:      "Message expired, last error: " + rcpt.LastErr.Message,
			}
			dl.Msg("not delivered, expired", "rcpt", rcpt.Address)
		} else {
			dl.Msg("not delivered, permanent error", "rcpt", rcpt.Address)
		}
		rcpt.Status = StatusPermFail
		failedRcpts.WithLabelValues(q.name).Inc()
		dsnRcpts = append(dsnRcpts, *rcpt)
	}

	e.LastAttempt = now

	// Generate a DSN for recipients that failed permanently this time.
	if len(dsnRcpts) != 0 {
		q.emitDSN(e, header, dsnRcpts)
	}

	if e.Completed() {
		q.removeEnvelope(e, state)
		q.releaseLeaseCompleted(e.ID)
		return
	}

	if err := q.persistEnvelope(e, state); err != nil {
		dl.Error("envelope update failed", err)
	}

	nextEvent, _ := e.NextEvent()
	dl.Msg("will retry",
		"next_try_delay", time.Until(nextEvent),
		"rcpts", pendingRcpts(e))

	q.releaseLease(e.ID, nextEvent, e.Priority)
}

func pendingRcpts(e *Envelope) []string {
	res := make([]string, 0, len(e.Recipients))
	for _, rcpt := range e.Recipients {
		if rcpt.Status.Terminal() {
			continue
		}
		res = append(res, rcpt.Address)
	}
	return res
}

func toRcptError(err error) *RcptError {
	smtpErr := toSMTPErr(err)
	return &RcptError{
		Code: smtpErr.Code,
		EnhancedCode: exterrors.EnhancedCode{
			smtpErr.EnhancedCode[0],
			smtpErr.EnhancedCode[1],
			smtpErr.EnhancedCode[2],
		},
		Message: smtpErr.Message,
	}
}

func toSMTPErr(err error) *smtp.SMTPError {
	if err == nil {
		return nil
	}

	res := &smtp.SMTPError{
		Code:         554,
		EnhancedCode: smtp.EnhancedCode{5, 0, 0},
		Message:      "Internal server error",
	}

	if exterrors.IsTemporaryOrUnspec(err) {
		res.Code = 451
		res.EnhancedCode = smtp.EnhancedCode{4, 0, 0}
	}

	ctxInfo := exterrors.Fields(err)
	ctxCode, ok := ctxInfo["smtp_code"].(int)
	if ok {
		res.Code = ctxCode
	}
	ctxEnchCode, ok := ctxInfo["smtp_enchcode"].(exterrors.EnhancedCode)
	if ok {
		res.EnhancedCode = smtp.EnhancedCode(ctxEnchCode)
	}
	ctxMsg, ok := ctxInfo["smtp_msg"].(string)
	if ok {
		res.Message = ctxMsg
	}

	if smtpErr, ok := err.(*smtp.SMTPError); ok {
		log.Printf("plain SMTP error returned, this is deprecated")
		res.Code = smtpErr.Code
		res.EnhancedCode = smtpErr.EnhancedCode
		res.Message = smtpErr.Message
	}

	return res
}

func (q *Queue) msgMetaFromEnvelope(e *Envelope) *module.MsgMetadata {
	return &module.MsgMetadata{
		ID: e.MsgID + "-" + strconv.FormatInt(time.Now().Unix(), 16),
		SMTPOpts: smtp.MailOptions{
			UTF8:       e.UTF8,
			RequireTLS: e.RequireTLS,
		},
		OriginalFrom:       e.OriginalFrom,
		OriginalRcpts:      e.OriginalRcpts,
		Priority:           e.Priority,
		BodyLength:         e.Size,
		DontTraceSender:    e.DontTraceSender,
		TLSRequireOverride: e.TLSRequireOverride,
	}
}

func (q *Queue) openContent(e *Envelope) (textproto.Header, buffer.Buffer, error) {
	r, err := q.blob.Open(context.Background(), e.BlobKey)
	if err != nil {
		return textproto.Header{}, nil, err
	}
	defer r.Close()

	bufR := bufio.NewReader(r)
	header, err := textproto.ReadHeader(bufR)
	if err != nil {
		return textproto.Header{}, nil, err
	}

	// The body part is spooled into memory for the duration of the
	// attempt. Delivery code may open it multiple times (one per MX
	// candidate) so a plain Reader is not enough.
	body, err := io.ReadAll(bufR)
	if err != nil {
		return textproto.Header{}, nil, err
	}

	return header, buffer.MemoryBuffer{Slice: body}, nil
}

func (q *Queue) deliver(e *Envelope, header textproto.Header, body buffer.Buffer) partialError {
	perr := partialError{
		Errs:       map[string]error{},
		statusLock: new(sync.Mutex),
	}

	msgMeta := q.msgMetaFromEnvelope(e)
	dl := target.DeliveryLogger(q.Log, msgMeta)
	dl.Debugf("using message ID = %s", msgMeta.ID)

	pending := pendingRcpts(e)

	msgCtx, msgTask := trace.NewTask(context.Background(), "Queue delivery")
	defer msgTask.End()

	mailCtx, mailTask := trace.NewTask(msgCtx, "MAIL FROM")
	delivery, err := q.Target.Start(mailCtx, msgMeta, e.From)
	mailTask.End()
	if err != nil {
		dl.Debugf("target.Start failed: %v", err)
		for _, rcpt := range pending {
			perr.Errs[rcpt] = err
		}
		return perr
	}
	dl.Debugf("target.Start OK")

	var acceptedRcpts []string
	for _, rcpt := range pending {
		rcptCtx, rcptTask := trace.NewTask(msgCtx, "RCPT TO")
		if err := delivery.AddRcpt(rcptCtx, rcpt); err != nil {
			dl.Debugf("delivery.AddRcpt %s failed: %v", rcpt, err)
			perr.Errs[rcpt] = err
		} else {
			dl.Debugf("delivery.AddRcpt %s OK", rcpt)
			acceptedRcpts = append(acceptedRcpts, rcpt)
		}
		rcptTask.End()
	}

	if len(acceptedRcpts) == 0 {
		dl.Debugf("delivery.Abort (no accepted recipients)")
		if err := delivery.Abort(msgCtx); err != nil {
			dl.Error("delivery.Abort failed", err)
		}
		return perr
	}

	expandToPartialErr := func(err error) {
		for _, rcpt := range acceptedRcpts {
			perr.Errs[rcpt] = err
		}
	}

	bodyCtx, bodyTask := trace.NewTask(msgCtx, "DATA")
	defer bodyTask.End()

	partDelivery, ok := delivery.(module.PartialDelivery)
	if ok {
		dl.Debugf("using delivery.BodyNonAtomic")
		partDelivery.BodyNonAtomic(bodyCtx, &perr, header, body)
	} else {
		if err := delivery.Body(bodyCtx, header, body); err != nil {
			dl.Debugf("delivery.Body failed: %v", err)
			expandToPartialErr(err)
		}
		dl.Debugf("delivery.Body OK")
	}

	allFailed := true
	for _, rcpt := range acceptedRcpts {
		if perr.Errs[rcpt] == nil {
			allFailed = false
		}
	}
	if allFailed {
		// No recipients succeeded.
		dl.Debugf("delivery.Abort (all recipients failed)")
		if err := delivery.Abort(bodyCtx); err != nil {
			dl.Error("delivery.Abort failed", err)
		}
		return perr
	}

	if err := delivery.Commit(bodyCtx); err != nil {
		dl.Debugf("delivery.Commit failed: %v", err)
		expandToPartialErr(err)
	}
	dl.Debugf("delivery.Commit OK")

	return perr
}

type queueDelivery struct {
	q  *Queue
	e  *Envelope
	dl log.Logger

	persisted bool
	state     *envState
}

func (q *Queue) Start(ctx context.Context, msgMeta *module.MsgMetadata, mailFrom string) (module.Delivery, error) {
	e := &Envelope{
		Nonce:              uuid.New().String(),
		MsgID:              msgMeta.ID,
		From:               mailFrom,
		Priority:           msgMeta.Priority,
		UTF8:               msgMeta.SMTPOpts.UTF8,
		RequireTLS:         msgMeta.SMTPOpts.RequireTLS,
		TLSRequireOverride: msgMeta.TLSRequireOverride,
		DontTraceSender:    msgMeta.DontTraceSender,
		OriginalFrom:       msgMeta.OriginalFrom,
		OriginalRcpts:      msgMeta.OriginalRcpts,
		FirstAttempt:       time.Now(),
		LastAttempt:        time.Now(),
	}
	if e.OriginalRcpts == nil {
		e.OriginalRcpts = map[string]string{}
	}

	return &queueDelivery{
		q:  q,
		e:  e,
		dl: target.DeliveryLogger(q.Log, msgMeta),
	}, nil
}

func (qd *queueDelivery) AddRcpt(ctx context.Context, rcptTo string) error {
	domain := ""
	if indx := strings.LastIndexByte(rcptTo, '@'); indx != -1 {
		domain = rcptTo[indx+1:]
	}
	qd.e.Recipients = append(qd.e.Recipients, Recipient{
		Address:     rcptTo,
		Domain:      domain,
		Status:      StatusQueued,
		NextAttempt: time.Now(),
	})
	return nil
}

func (qd *queueDelivery) Body(ctx context.Context, header textproto.Header, body buffer.Buffer) error {
	defer trace.StartRegion(ctx, "queue/Body").End()

	key, size, err := qd.q.storeContent(ctx, header, body)
	if err != nil {
		return exterrors.WithTemporary(err, true)
	}
	qd.e.BlobKey = key
	qd.e.Size = size

	qd.q.envLock.Lock()
	qd.q.nextID++
	qd.e.ID = qd.q.nextID
	qd.q.blobRefs[key]++
	state := &envState{nonce: qd.e.Nonce}
	qd.q.envs[qd.e.ID] = state
	qd.q.envLock.Unlock()
	qd.state = state

	if err := qd.q.persistEnvelope(qd.e, state); err != nil {
		qd.q.envLock.Lock()
		delete(qd.q.envs, qd.e.ID)
		qd.q.envLock.Unlock()
		qd.q.releaseBlob(key)
		qd.state = nil
		return exterrors.WithTemporary(err, true)
	}
	qd.persisted = true
	return nil
}

func (qd *queueDelivery) Abort(ctx context.Context) error {
	defer trace.StartRegion(ctx, "queue/Abort").End()

	if qd.persisted {
		qd.q.removeEnvelope(qd.e, qd.state)
		qd.persisted = false
	} else if qd.e.BlobKey != "" {
		qd.q.releaseBlob(qd.e.BlobKey)
	}
	return nil
}

func (qd *queueDelivery) Commit(ctx context.Context) error {
	defer trace.StartRegion(ctx, "queue/Commit").End()

	if !qd.persisted {
		panic("queue: Commit before Body or double Commit")
	}

	// The envelope is already durable at this point, Commit only makes it
	// visible to the scheduler.
	qd.q.sched.Add(Slot{Time: time.Now(), ID: qd.e.ID, Priority: qd.e.Priority})
	queuedEnvelopes.WithLabelValues(qd.q.name).Inc()
	qd.persisted = false
	qd.state = nil
	return nil
}

// storeContent writes the message content (header + body) to the blob
// store under its BLAKE3 content address.
func (q *Queue) storeContent(ctx context.Context, header textproto.Header, body buffer.Buffer) (key string, size int64, err error) {
	hasher := blake3.New()
	if err := textproto.WriteHeader(hasher, header); err != nil {
		return "", 0, err
	}
	bodyR, err := body.Open()
	if err != nil {
		return "", 0, err
	}
	bodySize, err := io.Copy(hasher, bodyR)
	bodyR.Close()
	if err != nil {
		return "", 0, err
	}
	key = hex.EncodeToString(hasher.Sum(nil))

	headerLen := countingWriter{}
	if err := textproto.WriteHeader(&headerLen, header); err != nil {
		return "", 0, err
	}
	size = headerLen.n + bodySize

	q.envLock.Lock()
	exists := q.blobRefs[key] > 0
	q.envLock.Unlock()
	if exists {
		// Content-addressed store already holds this exact message.
		return key, size, nil
	}

	blob, err := q.blob.Create(ctx, key, size)
	if err != nil {
		return "", 0, err
	}
	if err := textproto.WriteHeader(blob, header); err != nil {
		blob.Close()
		return "", 0, err
	}
	bodyR, err = body.Open()
	if err != nil {
		blob.Close()
		return "", 0, err
	}
	_, err = io.Copy(blob, bodyR)
	bodyR.Close()
	if err != nil {
		blob.Close()
		return "", 0, err
	}
	if err := blob.Sync(); err != nil {
		blob.Close()
		return "", 0, err
	}
	if err := blob.Close(); err != nil {
		return "", 0, err
	}

	return key, size, nil
}

// newFSFallbackStore creates the default on-disk blob store used when no
// 'storage' directive is given: a plain directory next to the envelope
// records.
func newFSFallbackStore(dir string) (module.BlobStore, error) {
	mod, err := fs.New("storage.blob.fs", "", nil, []string{dir})
	if err != nil {
		return nil, err
	}
	if err := mod.Init(config.NewMap(nil, config.Node{})); err != nil {
		return nil, err
	}
	return mod.(module.BlobStore), nil
}

type countingWriter struct {
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	cw.n += int64(len(p))
	return len(p), nil
}

func (q *Queue) readDiskQueue() error {
	dirInfo, err := os.ReadDir(q.location)
	if err != nil {
		return err
	}

	loadedCount := 0
	for _, entry := range dirInfo {
		if entry.IsDir() {
			continue
		}
		id, ok := parseEnvFileName(entry.Name())
		if !ok {
			if strings.HasSuffix(entry.Name(), ".env.new") {
				// Incomplete write, the message was never acknowledged.
				q.tryRemoveDanglingFile(entry.Name())
			}
			continue
		}

		state := &envState{fileName: entry.Name()}
		e, err := q.readEnvelope(state)
		if err != nil {
			q.Log.Printf("failed to read the envelope, skipping: %v (id = %d)", err, id)
			q.quarantineEnvelope(state, id)
			continue
		}
		state.nonce = e.Nonce

		// Recipients left in the in-flight state by a crash are tried
		// again immediately.
		changed := false
		for i := range e.Recipients {
			if e.Recipients[i].Status == StatusInflight {
				e.Recipients[i].Status = StatusTempFail
				e.Recipients[i].NextAttempt = time.Now()
				changed = true
			}
		}
		if changed {
			if err := q.persistEnvelope(e, state); err != nil {
				q.Log.Error("envelope update failed during recovery", err, "id", id)
			}
		}

		q.envLock.Lock()
		q.envs[e.ID] = state
		if e.ID > q.nextID {
			q.nextID = e.ID
		}
		q.blobRefs[e.BlobKey]++
		q.envLock.Unlock()

		nextEvent, pending := e.NextEvent()
		if !pending {
			// Should not happen, completed envelopes are removed.
			q.removeEnvelope(e, state)
			continue
		}
		if until := time.Until(nextEvent); until < q.postInitDelay {
			nextEvent = time.Now().Add(q.postInitDelay)
		}

		q.Log.Debugf("will try to deliver (id = %d) in %v (%v)", e.ID, time.Until(nextEvent), nextEvent)
		q.sched.Add(Slot{Time: nextEvent, ID: e.ID, Priority: e.Priority})
		loadedCount++
	}

	if loadedCount != 0 {
		q.Log.Printf("loaded %d saved queue entries", loadedCount)
	}

	return nil
}

func (q *Queue) tryRemoveDanglingFile(name string) {
	if err := os.Remove(filepath.Join(q.location, name)); err != nil {
		q.Log.Error("dangling file remove failed", err)
		return
	}
	q.Log.Printf("removed dangling file %s", name)
}

func (q *Queue) emitDSN(e *Envelope, header textproto.Header, failedRcpts []Recipient) {
	// If, apparently, we have no DSN msgpipeline configured - do nothing.
	if q.dsnPipeline == nil {
		return
	}

	// Null return-path, used in DSNs. Do not send DSNs for DSNs.
	if e.From == "" {
		return
	}

	dsnID, err := module.GenerateMsgID()
	if err != nil {
		q.Log.Error("rand.Rand error", err)
		return
	}

	dsnEnvelope := dsn.Envelope{
		MsgID: "<" + dsnID + "@" + q.autogenMsgDomain + ">",
		From:  "MAILER-DAEMON@" + q.autogenMsgDomain,
		To:    e.From,
	}
	mtaInfo := dsn.ReportingMTAInfo{
		ReportingMTA:    q.hostname,
		XSender:         e.From,
		XMessageID:      e.MsgID,
		ArrivalDate:     e.FirstAttempt,
		LastAttemptDate: e.LastAttempt,
	}

	rcptInfo := make([]dsn.RecipientInfo, 0, len(failedRcpts))
	for _, rcpt := range failedRcpts {
		rcptErr := rcpt.LastErr
		if rcptErr == nil {
			rcptErr = &RcptError{
				Code:         554,
				EnhancedCode: exterrors.EnhancedCode{5, 0, 0},
				Message:      "Unknown error",
			}
		}

		rcptAddr := rcpt.Address
		// Report the address the client used, not the rewritten one.
		if original := e.OriginalRcpts[rcpt.Address]; original != "" {
			rcptAddr = original
		}

		rcptInfo = append(rcptInfo, dsn.RecipientInfo{
			FinalRecipient: rcptAddr,
			Action:         dsn.ActionFailed,
			Status: smtp.EnhancedCode{
				rcptErr.EnhancedCode[0],
				rcptErr.EnhancedCode[1],
				rcptErr.EnhancedCode[2],
			},
			DiagnosticCode: rcptErr,
		})
	}

	var dsnBodyBlob strings.Builder
	dl := q.Log
	dsnHeader, err := dsn.GenerateDSN(e.UTF8, dsnEnvelope, mtaInfo, rcptInfo, header, &dsnBodyBlob)
	if err != nil {
		dl.Error("failed to generate fail DSN", err)
		return
	}
	dsnBody := buffer.MemoryBuffer{Slice: []byte(dsnBodyBlob.String())}

	dsnMeta := &module.MsgMetadata{
		ID: dsnID,
		SMTPOpts: smtp.MailOptions{
			UTF8:       e.UTF8,
			RequireTLS: e.RequireTLS,
		},
	}
	dl.Msg("generated failed DSN", "dsn_id", dsnID)
	generatedDSNs.WithLabelValues(q.name).Inc()

	msgCtx, msgTask := trace.NewTask(context.Background(), "DSN Delivery")
	defer msgTask.End()

	mailCtx, mailTask := trace.NewTask(msgCtx, "MAIL FROM")
	dsnDelivery, err := q.dsnPipeline.Start(mailCtx, dsnMeta, "")
	mailTask.End()
	if err != nil {
		dl.Error("failed to enqueue DSN", err, "dsn_id", dsnID)
		return
	}

	defer func() {
		if err != nil {
			dl.Error("failed to enqueue DSN", err, "dsn_id", dsnID)
			if err := dsnDelivery.Abort(msgCtx); err != nil {
				dl.Error("failed to abort DSN delivery", err, "dsn_id", dsnID)
			}
		}
	}()

	rcptCtx, rcptTask := trace.NewTask(msgCtx, "RCPT TO")
	if err = dsnDelivery.AddRcpt(rcptCtx, e.From); err != nil {
		rcptTask.End()
		return
	}
	rcptTask.End()

	bodyCtx, bodyTask := trace.NewTask(msgCtx, "DATA")
	if err = dsnDelivery.Body(bodyCtx, dsnHeader, dsnBody); err != nil {
		bodyTask.End()
		return
	}
	if err = dsnDelivery.Commit(bodyCtx); err != nil {
		bodyTask.End()
		return
	}
	bodyTask.End()
}

func init() {
	module.Register("target.queue", NewQueue)
}
