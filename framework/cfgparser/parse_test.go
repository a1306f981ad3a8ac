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
	"reflect"
	"strings"
	"testing"
)

func parseStr(t *testing.T, s string) []Node {
	t.Helper()
	nodes, err := Read(strings.NewReader(s), "test")
	if err != nil {
		t.Fatal(err)
	}
	// Wipe the location information to simplify the comparisons.
	var wipe func([]Node) []Node
	wipe = func(nodes []Node) []Node {
		for i := range nodes {
			nodes[i].File = ""
			nodes[i].Line = 0
			nodes[i].Children = wipe(nodes[i].Children)
		}
		return nodes
	}
	return wipe(nodes)
}

func TestReadSimple(t *testing.T) {
	nodes := parseStr(t, "a b c\nd \"e f\" g\n")
	expected := []Node{
		{Name: "a", Args: []string{"b", "c"}},
		{Name: "d", Args: []string{"e f", "g"}},
	}
	if !reflect.DeepEqual(nodes, expected) {
		t.Errorf("wrong parse result:\n%#+v", nodes)
	}
}

func TestReadBlock(t *testing.T) {
	nodes := parseStr(t, `
a arg {
    b 1
    c {
        d
    }
}
empty { }
`)
	expected := []Node{
		{Name: "a", Args: []string{"arg"}, Children: []Node{
			{Name: "b", Args: []string{"1"}},
			{Name: "c", Children: []Node{
				{Name: "d"},
			}},
		}},
		{Name: "empty", Children: []Node{}},
	}
	if !reflect.DeepEqual(nodes, expected) {
		t.Errorf("wrong parse result:\n%#+v", nodes)
	}
}

func TestReadComments(t *testing.T) {
	nodes := parseStr(t, "# top comment\na b # trailing\n")
	expected := []Node{
		{Name: "a", Args: []string{"b"}},
	}
	if !reflect.DeepEqual(nodes, expected) {
		t.Errorf("wrong parse result:\n%#+v", nodes)
	}
}

func TestReadQuoting(t *testing.T) {
	nodes := parseStr(t, `a "quoted \" escape" "{ not a block }"`+"\n")
	expected := []Node{
		{Name: "a", Args: []string{`quoted " escape`, "{ not a block }"}},
	}
	if !reflect.DeepEqual(nodes, expected) {
		t.Errorf("wrong parse result:\n%#+v", nodes)
	}
}

func TestReadSnippetExpansion(t *testing.T) {
	nodes := parseStr(t, `
(common) {
    x 1
    y 2
}
block {
    import common
    z 3
}
`)
	expected := []Node{
		{Name: "block", Children: []Node{
			{Name: "x", Args: []string{"1"}},
			{Name: "y", Args: []string{"2"}},
			{Name: "z", Args: []string{"3"}},
		}},
	}
	if !reflect.DeepEqual(nodes, expected) {
		t.Errorf("wrong parse result:\n%#+v", nodes)
	}
}

func TestReadMacroExpansion(t *testing.T) {
	nodes := parseStr(t, `
$(domains) = example.org example.com
hosts $(domains)
`)
	expected := []Node{
		{Name: "hosts", Args: []string{"example.org", "example.com"}},
	}
	if !reflect.DeepEqual(nodes, expected) {
		t.Errorf("wrong parse result:\n%#+v", nodes)
	}
}

func TestReadUnbalanced(t *testing.T) {
	if _, err := Read(strings.NewReader("a {\n b\n"), "test"); err == nil {
		t.Error("expected an error for the missing closing brace")
	}
	if _, err := Read(strings.NewReader("a \"unterminated\n"), "test"); err == nil {
		t.Error("expected an error for the unterminated string")
	}
}

func TestReadUnknownImport(t *testing.T) {
	if _, err := Read(strings.NewReader("import no_such_thing\n"), "test"); err == nil {
		t.Error("expected an error for the unknown import target")
	}
}
