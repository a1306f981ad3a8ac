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

// Package table implements the string translation modules used by
// address rewriting, routing rules and authentication backends.
package table

import (
	"context"
	"fmt"

	"github.com/foxcpp/ferrum/framework/address"
	"github.com/foxcpp/ferrum/framework/config"
	"github.com/foxcpp/ferrum/framework/module"
)

// stub carries the shared module boilerplate of the trivial tables.
type stub struct {
	modName  string
	instName string
}

func (s stub) Name() string           { return s.modName }
func (s stub) InstanceName() string   { return s.modName }
func (s stub) Init(*config.Map) error { return nil }

// Identity maps every key to itself.
type Identity struct{ stub }

func NewIdentity(modName, instName string, _, _ []string) (module.Module, error) {
	return &Identity{stub{modName, instName}}, nil
}

func (s *Identity) Lookup(_ context.Context, key string) (string, bool, error) {
	return key, true, nil
}

// Static is the table defined inline in the configuration via 'entry'
// directives.
type Static struct {
	stub
	m map[string][]string
}

func NewStatic(modName, instName string, _, _ []string) (module.Module, error) {
	return &Static{
		stub: stub{modName, instName},
		m:    map[string][]string{},
	}, nil
}

func (s *Static) Init(cfg *config.Map) error {
	cfg.Callback("entry", func(_ *config.Map, node config.Node) error {
		if len(node.Args) < 2 {
			return config.NodeErr(node, "expected at least one value")
		}
		s.m[node.Args[0]] = node.Args[1:]
		return nil
	})
	_, err := cfg.Process()
	return err
}

func (s *Static) Lookup(_ context.Context, key string) (string, bool, error) {
	vals := s.m[key]
	if len(vals) == 0 {
		return "", false, nil
	}
	return vals[0], true, nil
}

func (s *Static) LookupMulti(_ context.Context, key string) ([]string, error) {
	return s.m[key], nil
}

// EmailLocalpart strips the domain, mapping an address to its
// local-part. Non-address keys have no mapping.
type EmailLocalpart struct{ stub }

func NewEmailLocalpart(modName, instName string, _, _ []string) (module.Module, error) {
	return &EmailLocalpart{stub{modName, instName}}, nil
}

func (s *EmailLocalpart) Lookup(_ context.Context, key string) (string, bool, error) {
	mbox, _, err := address.Split(key)
	if err != nil {
		return "", false, nil
	}
	return mbox, true, nil
}

// EmailWithDomain does the reverse of EmailLocalpart: the key becomes
// the local-part of an address in each of the configured domains.
type EmailWithDomain struct {
	stub
	domains []string
}

func NewEmailWithDomain(modName, instName string, _, inlineArgs []string) (module.Module, error) {
	return &EmailWithDomain{
		stub:    stub{modName, instName},
		domains: inlineArgs,
	}, nil
}

func (s *EmailWithDomain) Init(cfg *config.Map) error {
	if len(s.domains) == 0 {
		return fmt.Errorf("%s: at least one domain is required", s.modName)
	}
	for _, domain := range s.domains {
		if !address.ValidDomain(domain) {
			return fmt.Errorf("%s: invalid domain: %s", s.modName, domain)
		}
	}
	return nil
}

func (s *EmailWithDomain) Lookup(_ context.Context, key string) (string, bool, error) {
	// Single-value lookup uses the first domain only.
	return address.QuoteMbox(key) + "@" + s.domains[0], true, nil
}

func (s *EmailWithDomain) LookupMulti(_ context.Context, key string) ([]string, error) {
	mbox := address.QuoteMbox(key)
	emails := make([]string, 0, len(s.domains))
	for _, domain := range s.domains {
		emails = append(emails, mbox+"@"+domain)
	}
	return emails, nil
}

func init() {
	module.Register("table.identity", NewIdentity)
	module.Register("table.static", NewStatic)
	module.Register("table.email_localpart", NewEmailLocalpart)
	module.Register("table.email_with_domain", NewEmailWithDomain)
}
