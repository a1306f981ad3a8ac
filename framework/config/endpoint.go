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

package config

import (
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"strings"
)

// Endpoint is a parsed listener or connection address: one of
//
//	tcp://host:port
//	tls://host:port
//	unix://path
//
// The Original value is preserved for error messages.
type Endpoint struct {
	Original, Scheme, Host, Port, Path string
}

// String returns a human-friendly print of the address.
func (e Endpoint) String() string {
	if e.Original != "" {
		return e.Original
	}
	if e.Scheme == "unix" {
		return "unix://" + e.Path
	}
	if e.Host == "" && e.Port == "" {
		return ""
	}

	s := e.Scheme
	if s != "" {
		s += "://"
	}

	host := e.Host
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	s += host

	if e.Port != "" {
		s += ":" + e.Port
	}
	return s + e.Path
}

// Network returns the value for net.Listen/net.Dial.
func (e Endpoint) Network() string {
	if e.Scheme == "unix" {
		return "unix"
	}
	return "tcp"
}

// Address returns the second net.Listen/net.Dial argument.
func (e Endpoint) Address() string {
	if e.Scheme == "unix" {
		return e.Path
	}
	return net.JoinHostPort(e.Host, e.Port)
}

// IsTLS reports whether the endpoint requires Implicit TLS.
func (e Endpoint) IsTLS() bool {
	return e.Scheme == "tls"
}

// ParseEndpoint parses the endpoint string into the component parts.
func ParseEndpoint(str string) (Endpoint, error) {
	u, err := url.Parse(str)
	if err != nil {
		return Endpoint{}, err
	}

	switch u.Scheme {
	case "tcp", "tls":
		// The scheme:opaque URL form (tcp:host:port) puts everything
		// into Opaque.
		if u.Host == "" && u.Opaque != "" {
			u.Host = u.Opaque
		}
	case "unix":
		return parseUnixEndpoint(str, u)
	default:
		return Endpoint{}, fmt.Errorf("unsupported scheme: %s (%+v)", str, u)
	}

	host, port, err := net.SplitHostPort(u.Host)
	if err != nil {
		// Retry with an empty port, the error message of the plain
		// SplitHostPort for a port-less value is confusing.
		host, port, err = net.SplitHostPort(u.Host + ":")
		if err != nil {
			host = u.Host
		}
	}
	if port == "" {
		return Endpoint{}, fmt.Errorf("port is required")
	}

	return Endpoint{Original: str, Scheme: u.Scheme, Host: host, Port: port, Path: u.Path}, nil
}

func parseUnixEndpoint(original string, u *url.URL) (Endpoint, error) {
	// Both unix:/path (opaque) and unix://host/path (the "host" is
	// really a path segment) forms occur in the wild, accept them all.
	path := u.Path
	if path == "" && u.Opaque != "" {
		path = u.Opaque
	}
	if u.Host != "" {
		path = u.Host + path
	}

	if !filepath.IsAbs(path) {
		path = filepath.Join(RuntimeDirectory, path)
	}

	return Endpoint{Original: original, Scheme: u.Scheme, Path: path}, nil
}
