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
	"fmt"
	"strconv"
	"strings"

	"github.com/foxcpp/ferrum/framework/address"
	"github.com/foxcpp/ferrum/framework/config"
	modconfig "github.com/foxcpp/ferrum/framework/config/module"
	"github.com/foxcpp/ferrum/framework/dns"
	"github.com/foxcpp/ferrum/framework/exterrors"
	"github.com/foxcpp/ferrum/framework/module"
	"github.com/foxcpp/ferrum/internal/modify"
)

// sourceIn binds a lookup table to the source block used when the sender
// address is a key of the table.
type sourceIn struct {
	t     module.Table
	block sourceBlock
}

type msgpipelineCfg struct {
	globalChecks    []module.Check
	globalModifiers modify.Group
	sourceIn        []sourceIn
	perSource       map[string]sourceBlock
	defaultSource   sourceBlock
	doDMARC         bool
	dmarcReporter   module.DMARCReportCollector
}

// normalizeMatchRule canonicalizes a source/destination match argument:
// full addresses go through the address normalization, bare domains
// through the DNS one.
func normalizeMatchRule(node config.Node, kind, rule string) (string, error) {
	var err error
	if strings.Contains(rule, "@") {
		rule, err = address.ForLookup(rule)
	} else {
		rule, err = dns.ForLookup(rule)
	}
	if err != nil {
		return "", config.NodeErr(node, "invalid %s match rule: %v: %v", kind, rule, err)
	}
	if !address.ValidDomain(rule) && !address.Valid(rule) {
		return "", config.NodeErr(node, "invalid %s match rule: %v", kind, rule)
	}
	return rule, nil
}

func parseMsgPipelineRootCfg(globals map[string]interface{}, nodes []config.Node) (msgpipelineCfg, error) {
	cfg := msgpipelineCfg{
		perSource: map[string]sourceBlock{},
	}
	var (
		defaultSrcRaw []config.Node
		plainHandling []config.Node
	)

	for _, node := range nodes {
		var err error
		switch node.Name {
		case "check":
			err = appendChecks(&cfg.globalChecks, globals, node)
		case "modify":
			err = appendModifiers(&cfg.globalModifiers, globals, node)
		case "source_in":
			var (
				tbl   module.Table
				block sourceBlock
			)
			if err = modconfig.ModuleFromNode("table", node.Args, config.Node{}, globals, &tbl); err != nil {
				break
			}
			block, err = parseMsgPipelineSrcCfg(globals, node.Children)
			if err != nil {
				break
			}
			cfg.sourceIn = append(cfg.sourceIn, sourceIn{t: tbl, block: block})
		case "source":
			if len(node.Args) == 0 {
				return msgpipelineCfg{}, config.NodeErr(node, "expected at least one source matching rule")
			}
			var block sourceBlock
			block, err = parseMsgPipelineSrcCfg(globals, node.Children)
			if err != nil {
				break
			}
			for _, arg := range node.Args {
				rule, ruleErr := normalizeMatchRule(node, "source", arg)
				if ruleErr != nil {
					return msgpipelineCfg{}, ruleErr
				}
				if _, dup := cfg.perSource[rule]; dup {
					continue
				}
				cfg.perSource[rule] = block
			}
		case "default_source":
			if defaultSrcRaw != nil {
				return msgpipelineCfg{}, config.NodeErr(node, "duplicate 'default_source' block")
			}
			defaultSrcRaw = node.Children
		case "dmarc":
			cfg.doDMARC, err = parseDMARCToggle(node)
		case "dmarc_reports":
			err = modconfig.ModuleFromNode("report", node.Args, node, globals, &cfg.dmarcReporter)
		case "deliver_to", "reroute", "destination_in", "destination", "default_destination", "reject":
			plainHandling = append(plainHandling, node)
		default:
			return msgpipelineCfg{}, config.NodeErr(node, "unknown pipeline directive: %s", node.Name)
		}
		if err != nil {
			return msgpipelineCfg{}, err
		}
	}

	// A pipeline without source rules is a shorthand: handling
	// directives at the top level form the default source block.
	if len(cfg.perSource) == 0 && len(defaultSrcRaw) == 0 {
		if len(plainHandling) == 0 {
			return msgpipelineCfg{}, fmt.Errorf("empty pipeline configuration, use 'reject' to reject messages")
		}

		var err error
		cfg.defaultSource, err = parseMsgPipelineSrcCfg(globals, plainHandling)
		return cfg, err
	}
	if len(plainHandling) != 0 {
		return msgpipelineCfg{}, config.NodeErr(plainHandling[0], "can't put handling directives together with source rules, did you mean to put it into 'default_source' block or into all source blocks?")
	}
	if len(defaultSrcRaw) == 0 {
		return msgpipelineCfg{}, config.NodeErr(nodes[0], "missing or empty default source block, use default_source { reject } to reject messages")
	}

	var err error
	cfg.defaultSource, err = parseMsgPipelineSrcCfg(globals, defaultSrcRaw)
	return cfg, err
}

func parseDMARCToggle(node config.Node) (bool, error) {
	switch len(node.Args) {
	case 0:
		return true, nil
	case 1:
		switch node.Args[0] {
		case "yes":
			return true, nil
		case "no":
			return false, nil
		}
	}
	return false, config.NodeErr(node, "invalid argument for dmarc")
}

func parseMsgPipelineSrcCfg(globals map[string]interface{}, nodes []config.Node) (sourceBlock, error) {
	src := sourceBlock{
		perRcpt: map[string]*rcptBlock{},
	}
	var (
		defaultRcptRaw []config.Node
		plainHandling  []config.Node
	)

	for _, node := range nodes {
		var err error
		switch node.Name {
		case "check":
			err = appendChecks(&src.checks, globals, node)
		case "modify":
			err = appendModifiers(&src.modifiers, globals, node)
		case "destination_in":
			var (
				tbl   module.Table
				block *rcptBlock
			)
			if err = modconfig.ModuleFromNode("table", node.Args, config.Node{}, globals, &tbl); err != nil {
				break
			}
			block, err = parseMsgPipelineRcptCfg(globals, node.Children)
			if err != nil {
				break
			}
			src.rcptIn = append(src.rcptIn, rcptIn{t: tbl, block: block})
		case "destination":
			if len(node.Args) == 0 {
				return sourceBlock{}, config.NodeErr(node, "expected at least one destination match rule")
			}
			var block *rcptBlock
			block, err = parseMsgPipelineRcptCfg(globals, node.Children)
			if err != nil {
				break
			}
			for _, arg := range node.Args {
				rule, ruleErr := normalizeMatchRule(node, "destination", arg)
				if ruleErr != nil {
					return sourceBlock{}, ruleErr
				}
				if _, dup := src.perRcpt[rule]; dup {
					continue
				}
				src.perRcpt[rule] = block
			}
		case "default_destination":
			if defaultRcptRaw != nil {
				return sourceBlock{}, config.NodeErr(node, "duplicate 'default_destination' block")
			}
			defaultRcptRaw = node.Children
		case "deliver_to", "reroute", "reject":
			plainHandling = append(plainHandling, node)
		default:
			return sourceBlock{}, config.NodeErr(node, "unknown pipeline directive: %s", node.Name)
		}
		if err != nil {
			return sourceBlock{}, err
		}
	}

	if len(src.perRcpt) == 0 && len(defaultRcptRaw) == 0 {
		if len(plainHandling) == 0 {
			return sourceBlock{}, fmt.Errorf("empty source block, use 'reject' to reject messages")
		}

		var err error
		src.defaultRcpt, err = parseMsgPipelineRcptCfg(globals, plainHandling)
		return src, err
	}
	if len(plainHandling) != 0 {
		return sourceBlock{}, config.NodeErr(plainHandling[0], "can't put handling directives together with destination rules, did you mean to put it into 'default' block or into all recipient blocks?")
	}
	if len(defaultRcptRaw) == 0 {
		return sourceBlock{}, config.NodeErr(nodes[0], "missing or empty default destination block, use default_destination { reject } to reject messages")
	}

	var err error
	src.defaultRcpt, err = parseMsgPipelineRcptCfg(globals, defaultRcptRaw)
	return src, err
}

func parseMsgPipelineRcptCfg(globals map[string]interface{}, nodes []config.Node) (*rcptBlock, error) {
	rcpt := rcptBlock{}
	for _, node := range nodes {
		switch node.Name {
		case "check":
			if err := appendChecks(&rcpt.checks, globals, node); err != nil {
				return nil, err
			}
		case "modify":
			if err := appendModifiers(&rcpt.modifiers, globals, node); err != nil {
				return nil, err
			}
		case "deliver_to":
			if rcpt.rejectErr != nil {
				return nil, config.NodeErr(node, "can't use 'reject' and 'deliver_to' together")
			}
			if len(node.Args) == 0 {
				return nil, config.NodeErr(node, "required at least one argument")
			}
			tgt, err := modconfig.DeliveryTarget(globals, node.Args, node)
			if err != nil {
				return nil, err
			}
			rcpt.targets = append(rcpt.targets, tgt)
		case "reroute":
			if len(node.Children) == 0 {
				return nil, config.NodeErr(node, "missing or empty reroute pipeline configuration")
			}
			pipeline, err := New(globals, node.Children)
			if err != nil {
				return nil, err
			}
			rcpt.targets = append(rcpt.targets, pipeline)
		case "reject":
			if len(rcpt.targets) != 0 {
				return nil, config.NodeErr(node, "can't use 'reject' and 'deliver_to' together")
			}
			var err error
			rcpt.rejectErr, err = parseRejectDirective(node)
			if err != nil {
				return nil, err
			}
		default:
			return nil, config.NodeErr(node, "invalid directive")
		}
	}
	return &rcpt, nil
}

func parseRejectDirective(node config.Node) (*exterrors.SMTPError, error) {
	reject := &exterrors.SMTPError{
		Code:         554,
		EnhancedCode: exterrors.EnhancedCode{5, 7, 0},
		Message:      "Message rejected due to a local policy",
		Reason:       "reject directive used",
	}

	var err error
	switch len(node.Args) {
	case 3:
		reject.Message = node.Args[2]
		if reject.Message == "" {
			return nil, config.NodeErr(node, "message can't be empty")
		}
		fallthrough
	case 2:
		reject.EnhancedCode, err = parseEnhancedCode(node.Args[1])
		if err != nil {
			return nil, config.NodeErr(node, "%v", err)
		}
		if reject.EnhancedCode[0] != 4 && reject.EnhancedCode[0] != 5 {
			return nil, config.NodeErr(node, "enhanced code should use either 4 or 5 as a first number")
		}
		fallthrough
	case 1:
		reject.Code, err = strconv.Atoi(node.Args[0])
		if err != nil {
			return nil, config.NodeErr(node, "invalid error code integer: %v", err)
		}
		if reject.Code/100 != 4 && reject.Code/100 != 5 {
			return nil, config.NodeErr(node, "error code should start with either 4 or 5")
		}
	case 0:
	default:
		return nil, config.NodeErr(node, "invalid count of arguments")
	}
	return reject, nil
}

func parseEnhancedCode(s string) (exterrors.EnhancedCode, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return exterrors.EnhancedCode{}, fmt.Errorf("wrong amount of enhanced code parts")
	}

	code := exterrors.EnhancedCode{}
	for i, part := range parts {
		num, err := strconv.Atoi(part)
		if err != nil {
			return code, err
		}
		code[i] = num
	}
	return code, nil
}

func appendChecks(out *[]module.Check, globals map[string]interface{}, node config.Node) error {
	var cg *CheckGroup
	if err := modconfig.GroupFromNode("checks", node.Args, node, globals, &cg); err != nil {
		return err
	}
	*out = append(*out, cg.L...)
	return nil
}

func appendModifiers(out *modify.Group, globals map[string]interface{}, node config.Node) error {
	// The module object is *modify.Group, not modify.Group.
	var mg *modify.Group
	if err := modconfig.GroupFromNode("modifiers", node.Args, node, globals, &mg); err != nil {
		return err
	}
	out.Modifiers = append(out.Modifiers, mg.Modifiers...)
	return nil
}
