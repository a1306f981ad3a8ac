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

// Package msgpipeline implements the policy evaluator: the rule engine
// that decides, for each accepted message, which checks to run, how to
// rewrite its addresses and which delivery targets receive it.
//
// Rules are organized into blocks selected by the message source address
// (per_source/source_in/default_source) and, within a source block, by
// the recipient address (destination/destination_in/default_destination).
// Each block carries its own checks, modifiers and either a reject
// verdict or a target list.
package msgpipeline

import (
	"context"

	"github.com/foxcpp/ferrum/framework/address"
	"github.com/foxcpp/ferrum/framework/config"
	"github.com/foxcpp/ferrum/framework/dns"
	"github.com/foxcpp/ferrum/framework/exterrors"
	"github.com/foxcpp/ferrum/framework/log"
	"github.com/foxcpp/ferrum/framework/module"
	"github.com/foxcpp/ferrum/internal/modify"
	"github.com/foxcpp/ferrum/internal/target"
	"golang.org/x/sync/errgroup"
)

// MsgPipeline implements module.DeliveryTarget on top of the parsed rule
// blocks. It is not a module object itself: message sources (the SMTP
// endpoint, the queue bounce path) embed it directly, and the
// 'msgpipeline' module wraps it for standalone use.
type MsgPipeline struct {
	msgpipelineCfg
	Hostname string
	Resolver dns.Resolver

	// FirstPipeline marks the pipeline instance that terminates the
	// external connection. Trace fields (Received) are generated only
	// there, so a message rerouted through several nested pipelines gets
	// exactly one set of them.
	FirstPipeline bool

	Log log.Logger
}

// rcptIn binds a lookup table to the recipient block used when the
// recipient address is a key of the table.
type rcptIn struct {
	t     module.Table
	block *rcptBlock
}

type sourceBlock struct {
	checks      []module.Check
	modifiers   modify.Group
	rejectErr   error
	rcptIn      []rcptIn
	perRcpt     map[string]*rcptBlock
	defaultRcpt *rcptBlock
}

type rcptBlock struct {
	checks    []module.Check
	modifiers modify.Group
	rejectErr error
	targets   []module.DeliveryTarget
}

func New(globals map[string]interface{}, cfg []config.Node) (*MsgPipeline, error) {
	parsedCfg, err := parseMsgPipelineRootCfg(globals, cfg)
	return &MsgPipeline{
		msgpipelineCfg: parsedCfg,
		Resolver:       dns.DefaultResolver(),
	}, err
}

// Mock returns a MsgPipeline that merely delivers messages to the
// specified target and runs a set of checks.
//
// It is meant for use in tests for modules that embed a pipeline object.
func Mock(tgt module.DeliveryTarget, globalChecks []module.Check) *MsgPipeline {
	return &MsgPipeline{
		msgpipelineCfg: msgpipelineCfg{
			globalChecks: globalChecks,
			perSource:    map[string]sourceBlock{},
			defaultSource: sourceBlock{
				perRcpt: map[string]*rcptBlock{},
				defaultRcpt: &rcptBlock{
					targets: []module.DeliveryTarget{tgt},
				},
			},
		},
	}
}

// RunEarlyChecks executes the connection-stage policy: every global
// check implementing module.EarlyCheck, concurrently. Any returned error
// rejects the connection before the session becomes usable.
func (d *MsgPipeline) RunEarlyChecks(ctx context.Context, state *module.ConnState) error {
	eg, checkCtx := errgroup.WithContext(ctx)

	for _, check := range d.globalChecks {
		earlyCheck, ok := check.(module.EarlyCheck)
		if !ok {
			continue
		}

		eg.Go(func() error {
			return earlyCheck.CheckConnection(checkCtx, state)
		})
	}
	return eg.Wait()
}

// Start begins a message delivery: connection and sender checks run,
// global and per-source sender modifiers are applied and the source
// block is selected.
//
// The returned module.Delivery implements PartialDelivery. If the
// underlying target does not support it, the pipeline spreads the
// returned error over all recipients handled by that target.
func (d *MsgPipeline) Start(ctx context.Context, msgMeta *module.MsgMetadata, mailFrom string) (module.Delivery, error) {
	pd := pipelineDelivery{
		d:             d,
		rcptModifiers: make(map[*rcptBlock]module.ModifierState),
		deliveries:    make(map[module.DeliveryTarget]*delivery),
		msgMeta:       msgMeta,
		log:           target.DeliveryLogger(d.Log, msgMeta),
	}
	pd.checkRunner = newCheckRunner(msgMeta, pd.log, d.Resolver)
	pd.checkRunner.doDMARC = d.doDMARC
	pd.checkRunner.dmarcReporter = d.dmarcReporter

	if msgMeta.OriginalRcpts == nil {
		msgMeta.OriginalRcpts = map[string]string{}
	}

	if err := pd.acceptSender(ctx, msgMeta, mailFrom); err != nil {
		pd.close()
		return nil, err
	}

	return &pd, nil
}

// acceptSender runs the MAIL FROM stage: global checks/modifiers, then
// source block selection, then the block's own checks/modifiers.
func (pd *pipelineDelivery) acceptSender(ctx context.Context, msgMeta *module.MsgMetadata, mailFrom string) error {
	if err := pd.checkRunner.checkConnSender(ctx, pd.d.globalChecks, mailFrom); err != nil {
		return err
	}

	globalModifiers, err := pd.d.globalModifiers.ModStateForMsg(ctx, msgMeta)
	if err != nil {
		return err
	}
	mailFrom, err = globalModifiers.RewriteSender(ctx, mailFrom)
	if err != nil {
		globalModifiers.Close()
		return err
	}
	pd.globalModifiers = globalModifiers

	block, err := pd.d.sourceBlockFor(ctx, pd.log, mailFrom)
	if err != nil {
		return err
	}
	if block.rejectErr != nil {
		pd.log.Debugf("sender %s rejected with error: %v", mailFrom, block.rejectErr)
		return block.rejectErr
	}
	pd.sourceBlock = block

	if err := pd.checkRunner.checkConnSender(ctx, block.checks, mailFrom); err != nil {
		return err
	}

	sourceModifiers, err := block.modifiers.ModStateForMsg(ctx, msgMeta)
	if err != nil {
		return err
	}
	mailFrom, err = sourceModifiers.RewriteSender(ctx, mailFrom)
	if err != nil {
		return err
	}
	pd.sourceModifiers = sourceModifiers

	pd.sourceAddr = mailFrom
	return nil
}

// sourceBlockFor selects the source block for the (already normalized)
// sender address: source_in tables first, then the exact address, then
// the domain, then the default block.
func (d *MsgPipeline) sourceBlockFor(ctx context.Context, l log.Logger, mailFrom string) (sourceBlock, error) {
	cleanFrom := mailFrom
	if mailFrom != "" {
		var err error
		cleanFrom, err = address.ForLookup(mailFrom)
		if err != nil {
			return sourceBlock{}, &exterrors.SMTPError{
				Code:         501,
				EnhancedCode: exterrors.EnhancedCode{5, 1, 7},
				Message:      "Unable to normalize the sender address",
				Err:          err,
			}
		}
	}

	for _, srcIn := range d.sourceIn {
		_, ok, err := srcIn.t.Lookup(ctx, cleanFrom)
		if err != nil {
			l.Error("source_in lookup failed", err, "key", cleanFrom)
			continue
		}
		if ok {
			return srcIn.block, nil
		}
	}

	if block, ok := d.perSource[cleanFrom]; ok {
		l.Debugf("sender %s matched by address rule '%s'", mailFrom, cleanFrom)
		return block, nil
	}

	_, domain, err := address.Split(cleanFrom)
	// The empty reverse-path is not a valid address but a special SMTP
	// value, it always falls through to the default block.
	if err != nil && cleanFrom != "" {
		return sourceBlock{}, &exterrors.SMTPError{
			Code:         501,
			EnhancedCode: exterrors.EnhancedCode{5, 1, 3},
			Message:      "Invalid sender address",
			Err:          err,
			Reason:       "Can't extract local-part and host-part",
		}
	}

	// The domain is already case-folded and normalized by the message
	// source.
	if block, ok := d.perSource[domain]; ok {
		l.Debugf("sender %s matched by domain rule '%s'", mailFrom, domain)
		return block, nil
	}

	l.Debugf("sender %s matched by default rule", mailFrom)
	return d.defaultSource, nil
}

// rcptBlockFor selects the recipient block within the source block,
// using the same precedence as sourceBlockFor.
func (sb sourceBlock) rcptBlockFor(ctx context.Context, l log.Logger, rcptTo string) (*rcptBlock, error) {
	cleanRcpt, err := address.ForLookup(rcptTo)
	if err != nil {
		return nil, &exterrors.SMTPError{
			Code:         553,
			EnhancedCode: exterrors.EnhancedCode{5, 1, 2},
			Message:      "Unable to normalize the recipient address",
			Err:          err,
		}
	}

	for _, rcptIn := range sb.rcptIn {
		_, ok, err := rcptIn.t.Lookup(ctx, cleanRcpt)
		if err != nil {
			l.Error("destination_in lookup failed", err, "key", cleanRcpt)
			continue
		}
		if ok {
			return rcptIn.block, nil
		}
	}

	if block, ok := sb.perRcpt[cleanRcpt]; ok {
		l.Debugf("recipient %s matched by address rule '%s'", rcptTo, cleanRcpt)
		return block, nil
	}

	_, domain, err := address.Split(cleanRcpt)
	if err != nil {
		return nil, &exterrors.SMTPError{
			Code:         501,
			EnhancedCode: exterrors.EnhancedCode{5, 1, 3},
			Message:      "Invalid recipient address",
			Err:          err,
			Reason:       "Can't extract local-part and host-part",
		}
	}

	// The domain key is already normalized because it is a part of
	// cleanRcpt.
	if block, ok := sb.perRcpt[domain]; ok {
		l.Debugf("recipient %s matched by domain rule '%s'", rcptTo, domain)
		return block, nil
	}

	l.Debugf("recipient %s matched by default rule (clean = %s)", rcptTo, cleanRcpt)
	return sb.defaultRcpt, nil
}
