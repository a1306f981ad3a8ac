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

package modify

import (
	"context"
	"fmt"
	"strings"

	"github.com/emersion/go-message/textproto"
	"github.com/foxcpp/ferrum/framework/address"
	"github.com/foxcpp/ferrum/framework/buffer"
	"github.com/foxcpp/ferrum/framework/config"
	modconfig "github.com/foxcpp/ferrum/framework/config/module"
	"github.com/foxcpp/ferrum/framework/module"
)

// replaceAddr is a simple module that replaces matching sender (or
// recipient) addresses in messages using a table.
//
// If created with modName = "modify.replace_sender", it will change the
// sender address. If created with modName = "modify.replace_rcpt" - the
// recipient addresses. Both the full address and the local-part alone are
// tried as the lookup keys.
type replaceAddr struct {
	modName       string
	instName      string
	inlineArgs    []string
	replaceSender bool
	replaceRcpt   bool

	table module.Table
}

func NewReplaceAddr(modName, instName string, _, inlineArgs []string) (module.Module, error) {
	r := replaceAddr{
		modName:       modName,
		instName:      instName,
		inlineArgs:    inlineArgs,
		replaceSender: strings.HasSuffix(modName, "replace_sender"),
		replaceRcpt:   strings.HasSuffix(modName, "replace_rcpt"),
	}
	return &r, nil
}

func (r *replaceAddr) Init(cfg *config.Map) error {
	return modconfig.ModuleFromNode("table", r.inlineArgs, cfg.Block, cfg.Globals, &r.table)
}

func (r replaceAddr) Name() string {
	return r.modName
}

func (r replaceAddr) InstanceName() string {
	return r.instName
}

func (r replaceAddr) ModStateForMsg(ctx context.Context, msgMeta *module.MsgMetadata) (module.ModifierState, error) {
	return r, nil
}

func (r replaceAddr) RewriteSender(ctx context.Context, mailFrom string) (string, error) {
	if !r.replaceSender {
		return mailFrom, nil
	}
	results, err := r.rewrite(ctx, mailFrom)
	if err != nil {
		return mailFrom, err
	}
	if len(results) != 1 {
		return mailFrom, fmt.Errorf("%s: cannot replace the sender with multiple addresses", r.modName)
	}
	return results[0], nil
}

func (r replaceAddr) RewriteRcpt(ctx context.Context, rcptTo string) ([]string, error) {
	if !r.replaceRcpt {
		return []string{rcptTo}, nil
	}
	return r.rewrite(ctx, rcptTo)
}

func (r replaceAddr) RewriteBody(ctx context.Context, h *textproto.Header, body buffer.Buffer) error {
	return nil
}

func (r replaceAddr) Close() error {
	return nil
}

func (r replaceAddr) lookup(ctx context.Context, key string) ([]string, error) {
	if multi, ok := r.table.(module.MultiTable); ok {
		return multi.LookupMulti(ctx, key)
	}
	val, ok, err := r.table.Lookup(ctx, key)
	if err != nil || !ok {
		return nil, err
	}
	return []string{val}, nil
}

func (r replaceAddr) rewrite(ctx context.Context, val string) ([]string, error) {
	normAddr, err := address.ForLookup(val)
	if err != nil {
		return []string{val}, fmt.Errorf("malformed address: %v", err)
	}

	replacements, err := r.lookup(ctx, normAddr)
	if err != nil {
		return []string{val}, err
	}
	if len(replacements) != 0 {
		for _, replacement := range replacements {
			if !address.Valid(replacement) {
				return []string{val}, fmt.Errorf("refusing to replace the address with the invalid value %s", replacement)
			}
		}
		return replacements, nil
	}

	mbox, domain, err := address.Split(normAddr)
	if err != nil {
		// A malformed address at this point should not happen, pass it
		// through unchanged.
		return []string{val}, nil
	}

	// mbox is already normalized, since it is a part of the
	// address.ForLookup result.
	replacements, err = r.lookup(ctx, mbox)
	if err != nil {
		return []string{val}, err
	}
	if len(replacements) != 0 {
		res := make([]string, 0, len(replacements))
		for _, replacement := range replacements {
			if strings.Contains(replacement, "@") && !strings.HasPrefix(replacement, `"`) && !strings.HasSuffix(replacement, `"`) {
				if !address.Valid(replacement) {
					return []string{val}, fmt.Errorf("refusing to replace the address with the invalid value %s", replacement)
				}
				res = append(res, replacement)
				continue
			}
			res = append(res, replacement+"@"+domain)
		}
		return res, nil
	}

	return []string{val}, nil
}

func init() {
	module.Register("modify.replace_sender", NewReplaceAddr)
	module.Register("modify.replace_rcpt", NewReplaceAddr)
}
