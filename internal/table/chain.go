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

package table

import (
	"context"

	"github.com/foxcpp/ferrum/framework/config"
	modconfig "github.com/foxcpp/ferrum/framework/config/module"
	"github.com/foxcpp/ferrum/framework/module"
)

// Chain pipes lookups through a sequence of tables: the values produced
// by one step become the keys of the next one. A step with no result
// terminates the lookup unless it is marked optional, in which case it
// passes its input through.
type Chain struct {
	modName  string
	instName string

	steps []chainStep
}

type chainStep struct {
	t        module.Table
	optional bool
}

func NewChain(modName, instName string, _, _ []string) (module.Module, error) {
	return &Chain{
		modName:  modName,
		instName: instName,
	}, nil
}

func (c *Chain) Init(cfg *config.Map) error {
	stepDirective := func(optional bool) func(*config.Map, config.Node) error {
		return func(m *config.Map, node config.Node) error {
			var tbl module.Table
			if err := modconfig.ModuleFromNode("table", node.Args, node, m.Globals, &tbl); err != nil {
				return err
			}
			c.steps = append(c.steps, chainStep{t: tbl, optional: optional})
			return nil
		}
	}
	cfg.Callback("step", stepDirective(false))
	cfg.Callback("optional_step", stepDirective(true))

	_, err := cfg.Process()
	return err
}

func (c *Chain) Name() string {
	return c.modName
}

func (c *Chain) InstanceName() string {
	return c.instName
}

// lookupStep resolves one key against one table, using the multi-value
// interface when available.
func lookupStep(ctx context.Context, t module.Table, key string) ([]string, error) {
	if multi, ok := t.(module.MultiTable); ok {
		return multi.LookupMulti(ctx, key)
	}

	val, ok, err := t.Lookup(ctx, key)
	if err != nil || !ok {
		return nil, err
	}
	return []string{val}, nil
}

func (c *Chain) LookupMulti(ctx context.Context, key string) ([]string, error) {
	keys := []string{key}

	for _, step := range c.steps {
		var produced []string
		for _, key := range keys {
			vals, err := lookupStep(ctx, step.t, key)
			if err != nil {
				return nil, err
			}
			if len(vals) == 0 {
				if step.optional {
					// Keep the current key set and move to the next
					// step.
					produced = nil
					break
				}
				return []string{}, nil
			}
			produced = append(produced, vals...)
		}

		if produced != nil {
			keys = produced
		}
	}
	return keys, nil
}

func (c *Chain) Lookup(ctx context.Context, key string) (string, bool, error) {
	vals, err := c.LookupMulti(ctx, key)
	if err != nil || len(vals) == 0 {
		return "", false, err
	}
	return vals[0], true, nil
}

func init() {
	module.Register("table.chain", NewChain)
}
