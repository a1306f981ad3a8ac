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
	"fmt"
	"os"
	"path/filepath"
)

const maxImportDepth = 255

// expandImports replaces 'import' directives with the contents of the
// named snippet or file. File paths are resolved relative to the directory
// of the importing file.
func expandImports(nodes []Node, location string, snippets map[string][]Node, depth int) ([]Node, error) {
	if depth > maxImportDepth {
		return nil, fmt.Errorf("%s: hit import expansion limit, import loop?", location)
	}

	newNodes := make([]Node, 0, len(nodes))
	for _, node := range nodes {
		if node.Name != "import" {
			var err error
			node.Children, err = expandImports(node.Children, location, snippets, depth+1)
			if err != nil {
				return newNodes, err
			}
			newNodes = append(newNodes, node)
			continue
		}

		if len(node.Args) != 1 {
			return newNodes, NodeErr(node, "import requires exactly one argument")
		}
		if len(node.Children) != 0 {
			return newNodes, NodeErr(node, "import can't declare a block")
		}
		target := node.Args[0]

		if snippet, ok := snippets[target]; ok {
			expanded, err := expandImports(snippet, location, snippets, depth+1)
			if err != nil {
				return newNodes, err
			}
			newNodes = append(newNodes, expanded...)
			continue
		}

		path := target
		if !filepath.IsAbs(path) {
			path = filepath.Join(filepath.Dir(location), path)
		}
		f, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				return newNodes, NodeErr(node, "unknown snippet or file: %s", target)
			}
			return newNodes, NodeErr(node, "%v", err)
		}

		imported, importedSnips, err := readTree(f, path, depth+1)
		f.Close()
		if err != nil {
			return newNodes, err
		}
		for k, v := range importedSnips {
			if _, ok := snippets[k]; !ok {
				snippets[k] = v
			}
		}

		newNodes = append(newNodes, imported...)
	}
	return newNodes, nil
}
