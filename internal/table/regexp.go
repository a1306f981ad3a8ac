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
	"fmt"
	"regexp"
	"strings"

	"github.com/foxcpp/ferrum/framework/config"
	"github.com/foxcpp/ferrum/framework/module"
)

// Regexp maps keys matching the pattern to the replacement string,
// optionally expanding $1-style group references in it.
type Regexp struct {
	modName    string
	instName   string
	inlineArgs []string

	re          *regexp.Regexp
	replacement string

	expandPlaceholders bool
}

func NewRegexp(modName, instName string, _, inlineArgs []string) (module.Module, error) {
	return &Regexp{
		modName:    modName,
		instName:   instName,
		inlineArgs: inlineArgs,
	}, nil
}

func (r *Regexp) Init(cfg *config.Map) error {
	var (
		fullMatch       bool
		caseInsensitive bool
	)
	cfg.Bool("full_match", false, true, &fullMatch)
	cfg.Bool("case_insensitive", false, true, &caseInsensitive)
	cfg.Bool("expand_replaceholders", false, true, &r.expandPlaceholders)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	switch len(r.inlineArgs) {
	case 1:
		// Empty replacement: the table acts as a match predicate.
	case 2:
		r.replacement = r.inlineArgs[1]
	default:
		return fmt.Errorf("%s: regexp and at most one replacement expected", r.modName)
	}

	pattern := r.inlineArgs[0]
	if fullMatch {
		if !strings.HasPrefix(pattern, "^") {
			pattern = "^" + pattern
		}
		if !strings.HasSuffix(pattern, "$") {
			pattern += "$"
		}
	}
	if caseInsensitive {
		pattern = "(?i)" + pattern
	}

	var err error
	r.re, err = regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("%s: %v", r.modName, err)
	}
	return nil
}

func (r *Regexp) Name() string {
	return r.modName
}

func (r *Regexp) InstanceName() string {
	return r.modName
}

func (r *Regexp) Lookup(_ context.Context, key string) (string, bool, error) {
	matches := r.re.FindStringSubmatchIndex(key)
	if matches == nil {
		return "", false, nil
	}

	if !r.expandPlaceholders {
		return r.replacement, true, nil
	}
	return string(r.re.ExpandString(nil, r.replacement, key, matches)), true, nil
}

func init() {
	module.RegisterDeprecated("regexp", "table.regexp", NewRegexp)
	module.Register("table.regexp", NewRegexp)
}
