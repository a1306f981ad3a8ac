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

package msgpipeline

import (
	"context"

	"github.com/emersion/go-message/textproto"
	"github.com/foxcpp/ferrum/framework/buffer"
	"github.com/foxcpp/ferrum/framework/exterrors"
	"github.com/foxcpp/ferrum/framework/log"
	"github.com/foxcpp/ferrum/framework/module"
	"github.com/foxcpp/ferrum/internal/target"
)

// delivery tracks one started downstream delivery together with the
// original (pre-rewrite) addresses of the recipients routed into it, for
// status reporting.
type delivery struct {
	module.Delivery
	recipients []string
}

// pipelineDelivery is the per-message state of a pipeline run.
type pipelineDelivery struct {
	d *MsgPipeline

	globalModifiers module.ModifierState
	sourceModifiers module.ModifierState
	rcptModifiers   map[*rcptBlock]module.ModifierState

	log log.Logger

	sourceAddr  string
	sourceBlock sourceBlock

	deliveries  map[module.DeliveryTarget]*delivery
	msgMeta     *module.MsgMetadata
	checkRunner *checkRunner
}

func (pd *pipelineDelivery) AddRcpt(ctx context.Context, to string) error {
	if err := pd.checkRunner.checkRcpt(ctx, pd.d.globalChecks, to); err != nil {
		return err
	}
	if err := pd.checkRunner.checkRcpt(ctx, pd.sourceBlock.checks, to); err != nil {
		return err
	}

	// Global and per-source rewrites happen before routing; both may fan
	// one recipient out into several.
	expanded, err := pd.expandRcpt(ctx, to)
	if err != nil {
		return err
	}

	for _, effectiveTo := range expanded {
		if err := pd.routeRcpt(ctx, to, effectiveTo); err != nil {
			return err
		}
	}

	return nil
}

// expandRcpt applies the global and per-source recipient modifiers.
func (pd *pipelineDelivery) expandRcpt(ctx context.Context, to string) ([]string, error) {
	expanded, err := pd.globalModifiers.RewriteRcpt(ctx, to)
	if err != nil {
		return nil, err
	}
	pd.log.Debugln("global rcpt modifiers:", to, "=>", expanded)

	result := make([]string, 0, len(expanded))
	for _, rcpt := range expanded {
		sourceExpanded, err := pd.sourceModifiers.RewriteRcpt(ctx, rcpt)
		if err != nil {
			return nil, err
		}
		result = append(result, sourceExpanded...)
	}
	pd.log.Debugln("per-source rcpt modifiers:", to, "=>", result)

	return result, nil
}

// routeRcpt selects the recipient block for a single effective address,
// runs its checks and modifiers and hands the final addresses to the
// block targets.
func (pd *pipelineDelivery) routeRcpt(ctx context.Context, originalTo, to string) error {
	wrapErr := func(err error) error {
		return exterrors.WithFields(err, map[string]interface{}{
			"effective_rcpt": to,
		})
	}

	block, err := pd.sourceBlock.rcptBlockFor(ctx, pd.log, to)
	if err != nil {
		return wrapErr(err)
	}
	if block.rejectErr != nil {
		return wrapErr(block.rejectErr)
	}

	if err := pd.checkRunner.checkRcpt(ctx, block.checks, to); err != nil {
		return wrapErr(err)
	}

	modifiers, err := pd.getRcptModifiers(ctx, block, to)
	if err != nil {
		return wrapErr(err)
	}

	finalRcpts, err := modifiers.RewriteRcpt(ctx, to)
	if err != nil {
		modifiers.Close()
		return wrapErr(err)
	}
	pd.log.Debugln("per-rcpt modifiers:", to, "=>", finalRcpts)

	for _, finalTo := range finalRcpts {
		if err := pd.deliverRcpt(ctx, block, originalTo, finalTo); err != nil {
			return err
		}
	}
	return nil
}

func (pd *pipelineDelivery) deliverRcpt(ctx context.Context, block *rcptBlock, originalTo, to string) error {
	wrapErr := func(err error) error {
		return exterrors.WithFields(err, map[string]interface{}{
			"effective_rcpt": to,
		})
	}

	if originalTo != to {
		pd.msgMeta.OriginalRcpts[to] = originalTo
	}

	for _, tgt := range block.targets {
		// Nested pipelines insert their own effective_rcpt field and may
		// do further rewriting; wrapping their errors would hide that
		// from the operator.
		wrapErr := wrapErr
		if _, ok := tgt.(*MsgPipeline); ok {
			wrapErr = func(err error) error { return err }
		}

		delivery, err := pd.getDelivery(ctx, tgt)
		if err != nil {
			return wrapErr(err)
		}

		if err := delivery.AddRcpt(ctx, to); err != nil {
			return wrapErr(err)
		}
		delivery.recipients = append(delivery.recipients, originalTo)
	}
	return nil
}

// runBodyChecks executes the body-stage checks of every block the
// message matched.
func (pd *pipelineDelivery) runBodyChecks(ctx context.Context, header textproto.Header, body buffer.Buffer) error {
	if err := pd.checkRunner.checkBody(ctx, pd.d.globalChecks, header, body); err != nil {
		return err
	}
	if err := pd.checkRunner.checkBody(ctx, pd.sourceBlock.checks, header, body); err != nil {
		return err
	}
	for block := range pd.rcptModifiers {
		if err := pd.checkRunner.checkBody(ctx, block.checks, header, body); err != nil {
			return err
		}
	}
	return nil
}

// runBodyModifiers executes the body rewriters of every matched block,
// in the same order the address rewriters ran.
func (pd *pipelineDelivery) runBodyModifiers(ctx context.Context, header *textproto.Header, body buffer.Buffer) error {
	if err := pd.globalModifiers.RewriteBody(ctx, header, body); err != nil {
		return err
	}
	if err := pd.sourceModifiers.RewriteBody(ctx, header, body); err != nil {
		return err
	}
	for _, modifiers := range pd.rcptModifiers {
		if err := modifiers.RewriteBody(ctx, header, body); err != nil {
			return err
		}
	}
	return nil
}

// finalizeHeader runs everything that has to happen between checks and
// the downstream Body calls: trace field insertion, check results
// application and body modifiers.
func (pd *pipelineDelivery) finalizeHeader(ctx context.Context, header *textproto.Header, body buffer.Buffer) error {
	if pd.d.FirstPipeline {
		// Received is added *after* checks so they see the message
		// exactly as received, but below the fields inserted by
		// applyResults (including Authentication-Results), per the
		// recommendation of RFC 7001, Section 4.
		received, err := target.GenerateReceived(ctx, pd.msgMeta, pd.d.Hostname, pd.msgMeta.OriginalFrom)
		if err != nil {
			return err
		}
		header.Add("Received", received)
	}

	if err := pd.checkRunner.applyResults(pd.d.Hostname, header); err != nil {
		return err
	}

	// Modifiers run after the Authentication-Results insertion so
	// signatures cover it.
	return pd.runBodyModifiers(ctx, header, body)
}

func (pd *pipelineDelivery) Body(ctx context.Context, header textproto.Header, body buffer.Buffer) error {
	if err := pd.runBodyChecks(ctx, header, body); err != nil {
		return err
	}
	if err := pd.finalizeHeader(ctx, &header, body); err != nil {
		return err
	}

	for _, delivery := range pd.deliveries {
		if err := delivery.Body(ctx, header, body); err != nil {
			return err
		}
		pd.log.Debugf("delivery.Body ok, Delivery object = %T", delivery)
	}
	return nil
}

// statusCollector translates the effective recipient addresses back to
// the original ones in status reports.
//
// Downstream targets see rewritten addresses, but statuses are reported
// to the message source in terms of what it submitted. Statuses are
// still forwarded as soon as they arrive (not batched), as LMTP
// requires.
type statusCollector struct {
	originalRcpts map[string]string
	wrapped       module.StatusCollector
}

func (sc statusCollector) SetStatus(rcptTo string, err error) {
	if original, ok := sc.originalRcpts[rcptTo]; ok {
		rcptTo = original
	}
	sc.wrapped.SetStatus(rcptTo, err)
}

func (pd *pipelineDelivery) BodyNonAtomic(ctx context.Context, c module.StatusCollector, header textproto.Header, body buffer.Buffer) {
	setStatusAll := func(err error) {
		for _, delivery := range pd.deliveries {
			for _, rcpt := range delivery.recipients {
				c.SetStatus(rcpt, err)
			}
		}
	}

	if err := pd.runBodyChecks(ctx, header, body); err != nil {
		setStatusAll(err)
		return
	}
	if err := pd.finalizeHeader(ctx, &header, body); err != nil {
		setStatusAll(err)
		return
	}

	for _, delivery := range pd.deliveries {
		partDelivery, ok := delivery.Delivery.(module.PartialDelivery)
		if ok {
			partDelivery.BodyNonAtomic(ctx, statusCollector{
				originalRcpts: pd.msgMeta.OriginalRcpts,
				wrapped:       c,
			}, header, body)
			continue
		}

		if err := delivery.Body(ctx, header, body); err != nil {
			for _, rcpt := range delivery.recipients {
				c.SetStatus(rcpt, err)
			}
		}
	}
}

func (pd pipelineDelivery) Commit(ctx context.Context) error {
	pd.close()

	for _, delivery := range pd.deliveries {
		if err := delivery.Commit(ctx); err != nil {
			// There is no point in committing the remaining deliveries,
			// atomicity is already lost.
			return err
		}
	}
	return nil
}

func (pd pipelineDelivery) Abort(ctx context.Context) error {
	pd.close()

	var lastErr error
	for _, delivery := range pd.deliveries {
		if err := delivery.Abort(ctx); err != nil {
			pd.log.Debugf("delivery.Abort failure, Delivery object = %T: %v", delivery, err)
			lastErr = err
			// Still try to abort the remaining delivery objects.
		}
	}
	return lastErr
}

func (pd *pipelineDelivery) close() {
	pd.checkRunner.close()

	if pd.globalModifiers != nil {
		pd.globalModifiers.Close()
	}
	if pd.sourceModifiers != nil {
		pd.sourceModifiers.Close()
	}
	for _, modifiers := range pd.rcptModifiers {
		modifiers.Close()
	}
}

// getRcptModifiers lazily initializes the modifier state of a recipient
// block, shared between all recipients matching it.
func (pd *pipelineDelivery) getRcptModifiers(ctx context.Context, block *rcptBlock, rcptTo string) (module.ModifierState, error) {
	if state, ok := pd.rcptModifiers[block]; ok {
		return state, nil
	}

	state, err := block.modifiers.ModStateForMsg(ctx, pd.msgMeta)
	if err != nil {
		return nil, err
	}

	// A per-recipient modifier has no way to replace the sender: that
	// already happened for all targets. Detect and warn.
	newSender, err := state.RewriteSender(ctx, pd.sourceAddr)
	if err == nil && newSender != pd.sourceAddr {
		pd.log.Msg("Per-recipient modifier changed sender address. This is not supported and will "+
			"be ignored.", "rcpt", rcptTo, "originalFrom", pd.sourceAddr, "modifiedFrom", newSender)
	}

	pd.rcptModifiers[block] = state
	return state, nil
}

// getDelivery lazily starts the downstream delivery for a target, shared
// between all recipients routed into it.
func (pd *pipelineDelivery) getDelivery(ctx context.Context, tgt module.DeliveryTarget) (*delivery, error) {
	if d, ok := pd.deliveries[tgt]; ok {
		return d, nil
	}

	deliveryObj, err := tgt.Start(ctx, pd.msgMeta, pd.sourceAddr)
	if err != nil {
		pd.log.Debugf("tgt.Start(%s) failure, target = %s: %v", pd.sourceAddr, objectName(tgt), err)
		return nil, err
	}
	pd.log.Debugf("tgt.Start(%s) ok, target = %s", pd.sourceAddr, objectName(tgt))

	d := &delivery{Delivery: deliveryObj}
	pd.deliveries[tgt] = d
	return d, nil
}
