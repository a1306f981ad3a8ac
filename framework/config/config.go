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

// Package config provides set of utilities for configuration parsing.
package config

import (
	"io"

	parser "github.com/foxcpp/ferrum/framework/cfgparser"
)

// Node is an alias for the parser type to avoid exposing the parser
// package in all modules.
type Node = parser.Node

func NodeErr(node Node, f string, args ...interface{}) error {
	return parser.NodeErr(node, f, args...)
}

// Read parses the configuration from the reader. location is used for error
// messages and for resolution of relative import paths.
func Read(r io.Reader, location string) ([]Node, error) {
	return parser.Read(r, location)
}
