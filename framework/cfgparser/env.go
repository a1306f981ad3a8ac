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

package parser

import (
	"os"
	"regexp"
	"strings"
)

// Environment references in the configuration:
//
//	{env:NAME}       - replaced with the variable value
//	{env_split:NAME} - replaced with the comma-separated value split
//	                   into multiple arguments
//
// Unset plain references are removed; an unset env_split leaves the
// argument as-is.
var (
	envRe      = regexp.MustCompile(`{env:([^\$]+)}`)
	envSplitRe = regexp.MustCompile(`{env_split:([^\$]+)}`)
)

func expandEnvironment(nodes []Node) []Node {
	// nil stays nil: it means "no block", unlike an empty one.
	if nodes == nil {
		return nil
	}

	env := environMap()
	out := make([]Node, 0, len(nodes))
	for _, node := range nodes {
		node.Name = dropUnsetRefs(expandRefs(node.Name, env))

		newArgs := make([]string, 0, len(node.Args))
		for _, arg := range node.Args {
			arg = expandRefs(arg, env)
			if split, ok := expandSplitRef(arg, env); ok {
				newArgs = append(newArgs, split...)
				continue
			}
			newArgs = append(newArgs, dropUnsetRefs(arg))
		}
		node.Args = newArgs
		node.Children = expandEnvironment(node.Children)
		out = append(out, node)
	}
	return out
}

func environMap() map[string]string {
	env := os.Environ()
	res := make(map[string]string, len(env))
	for _, entry := range env {
		if name, value, found := strings.Cut(entry, "="); found {
			res[name] = value
		}
	}
	return res
}

func expandRefs(s string, env map[string]string) string {
	return envRe.ReplaceAllStringFunc(s, func(ref string) string {
		name := envRe.FindStringSubmatch(ref)[1]
		if value, ok := env[name]; ok {
			return value
		}
		return ref // removed later by dropUnsetRefs
	})
}

func dropUnsetRefs(s string) string {
	return envRe.ReplaceAllString(s, "")
}

func expandSplitRef(arg string, env map[string]string) ([]string, bool) {
	match := envSplitRe.FindStringSubmatch(arg)
	if match == nil {
		return nil, false
	}
	value, ok := env[match[1]]
	if !ok {
		return nil, false
	}
	return strings.Split(value, ","), true
}
