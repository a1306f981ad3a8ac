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

// Package modify contains the modifier modules mutating message
// metadata and header, plus the 'modifiers' group that composes them.
package modify

import (
	"context"

	"github.com/emersion/go-message/textproto"
	"github.com/foxcpp/ferrum/framework/buffer"
	"github.com/foxcpp/ferrum/framework/config"
	modconfig "github.com/foxcpp/ferrum/framework/config/module"
	"github.com/foxcpp/ferrum/framework/module"
)

// Group runs a list of modifiers in the declaration order. It is
// registered as the 'modifiers' module so a named group can be shared
// between pipeline blocks.
type Group struct {
	instName  string
	Modifiers []module.Modifier
}

func (g *Group) Init(cfg *config.Map) error {
	for _, node := range cfg.Block.Children {
		mod, err := modconfig.MsgModifier(cfg.Globals, append([]string{node.Name}, node.Args...), node)
		if err != nil {
			return err
		}
		g.Modifiers = append(g.Modifiers, mod)
	}
	return nil
}

func (g *Group) Name() string {
	return "modifiers"
}

func (g *Group) InstanceName() string {
	return g.instName
}

type groupState struct {
	states []module.ModifierState
}

func (g Group) ModStateForMsg(ctx context.Context, msgMeta *module.MsgMetadata) (module.ModifierState, error) {
	gs := groupState{states: make([]module.ModifierState, 0, len(g.Modifiers))}
	for _, modifier := range g.Modifiers {
		state, err := modifier.ModStateForMsg(ctx, msgMeta)
		if err != nil {
			// Release the states initialized so far.
			gs.Close()
			return nil, err
		}
		gs.states = append(gs.states, state)
	}
	return gs, nil
}

func (gs groupState) RewriteSender(ctx context.Context, mailFrom string) (string, error) {
	for _, state := range gs.states {
		var err error
		mailFrom, err = state.RewriteSender(ctx, mailFrom)
		if err != nil {
			return "", err
		}
	}
	return mailFrom, nil
}

func (gs groupState) RewriteRcpt(ctx context.Context, rcptTo string) ([]string, error) {
	// Each state may map one address onto several; the next state then
	// applies to all of them.
	result := []string{rcptTo}
	for _, state := range gs.states {
		expanded := make([]string, 0, len(result))
		for _, rcpt := range result {
			vals, err := state.RewriteRcpt(ctx, rcpt)
			if err != nil {
				return nil, err
			}
			expanded = append(expanded, vals...)
		}
		result = expanded
	}
	return result, nil
}

func (gs groupState) RewriteBody(ctx context.Context, h *textproto.Header, body buffer.Buffer) error {
	for _, state := range gs.states {
		if err := state.RewriteBody(ctx, h, body); err != nil {
			return err
		}
	}
	return nil
}

func (gs groupState) Close() error {
	// Close everything even when some of the Close calls fail, to
	// minimize the leaked resources.
	var lastErr error
	for _, state := range gs.states {
		if err := state.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func init() {
	module.Register("modifiers", func(_, instName string, _, _ []string) (module.Module, error) {
		return &Group{
			instName: instName,
		}, nil
	})
}
