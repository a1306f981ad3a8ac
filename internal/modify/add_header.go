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
	"errors"
	"fmt"

	"github.com/emersion/go-message/textproto"
	"github.com/foxcpp/ferrum/framework/buffer"
	"github.com/foxcpp/ferrum/framework/config"
	"github.com/foxcpp/ferrum/framework/module"
)

// addHeader prepends a fixed header field to every message:
//
//	modify.add_header <name> <value>
type addHeader struct {
	modName  string
	instName string

	fieldName  string
	fieldValue string
}

func NewAddHeader(modName, instName string, _, inlineArgs []string) (module.Module, error) {
	if len(inlineArgs) != 2 {
		return nil, errors.New("modify.add_header: exactly two arguments required")
	}
	return &addHeader{
		modName:    modName,
		instName:   instName,
		fieldName:  inlineArgs[0],
		fieldValue: inlineArgs[1],
	}, nil
}

func (m *addHeader) Init(cfg *config.Map) error {
	_, err := cfg.Process()
	return err
}

func (m *addHeader) Name() string {
	return m.modName
}

func (m *addHeader) InstanceName() string {
	return m.instName
}

// The modifier is stateless, the module object doubles as the state.

func (m *addHeader) ModStateForMsg(ctx context.Context, msgMeta *module.MsgMetadata) (module.ModifierState, error) {
	return m, nil
}

func (m *addHeader) RewriteSender(ctx context.Context, mailFrom string) (string, error) {
	return mailFrom, nil
}

func (m *addHeader) RewriteRcpt(ctx context.Context, rcptTo string) ([]string, error) {
	return []string{rcptTo}, nil
}

func (m *addHeader) RewriteBody(ctx context.Context, h *textproto.Header, body buffer.Buffer) error {
	// Refuse to create a duplicate of a structural field: the modifier
	// is for adding new marker fields, not for forging existing ones.
	if h.Has(m.fieldName) {
		return fmt.Errorf("modify.add_header: field %s is already present", m.fieldName)
	}
	h.Add(m.fieldName, m.fieldValue)
	return nil
}

func (m *addHeader) Close() error {
	return nil
}

func init() {
	module.Register("modify.add_header", NewAddHeader)
}
