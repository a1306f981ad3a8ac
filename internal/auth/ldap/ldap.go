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

// Package ldap implements the auth.ldap module verifying credentials
// against a directory server, either via a DN template or via a search
// followed by a bind. It doubles as table.ldap resolving usernames to
// their DNs.
package ldap

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/foxcpp/ferrum/framework/config"
	"github.com/foxcpp/ferrum/framework/log"
	"github.com/foxcpp/ferrum/framework/module"
	"github.com/go-ldap/ldap/v3"
)

const modName = "auth.ldap"

type bindFunc func(*ldap.Conn) error

type Auth struct {
	instName string

	urls           []string
	readBind       bindFunc
	startls        bool
	tlsCfg         *tls.Config
	dialer         *net.Dialer
	requestTimeout time.Duration

	// Exactly one of the two user-resolution modes is configured:
	// a DN template, or a base DN + filter search.
	dnTemplate     string
	baseDN         string
	filterTemplate string

	// A single directory connection is kept and shared; LDAP allows
	// pipelining, but rebinding between uses keeps things simple.
	conn     *ldap.Conn
	connLock sync.Mutex

	log log.Logger
}

func New(modName, instName string, _, inlineArgs []string) (module.Module, error) {
	return &Auth{
		instName: instName,
		log:      log.Logger{Name: modName},
		urls:     inlineArgs,
	}, nil
}

func (a *Auth) Name() string {
	return modName
}

func (a *Auth) InstanceName() string {
	return a.instName
}

func (a *Auth) Init(cfg *config.Map) error {
	a.dialer = &net.Dialer{}

	cfg.Bool("debug", true, false, &a.log.Debug)
	cfg.Custom("tls_client", true, false, func() (interface{}, error) {
		return &tls.Config{}, nil
	}, config.TLSClientBlock, &a.tlsCfg)
	cfg.Callback("urls", func(m *config.Map, node config.Node) error {
		a.urls = append(a.urls, node.Args...)
		return nil
	})
	cfg.Custom("bind", false, false, func() (interface{}, error) {
		return bindFunc(func(*ldap.Conn) error { return nil }), nil
	}, readBindDirective, &a.readBind)
	cfg.Bool("starttls", false, false, &a.startls)
	cfg.Duration("connect_timeout", false, false, time.Minute, &a.dialer.Timeout)
	cfg.Duration("request_timeout", false, false, time.Minute, &a.requestTimeout)
	cfg.String("dn_template", false, false, "", &a.dnTemplate)
	cfg.String("base_dn", false, false, "", &a.baseDN)
	cfg.String("filter", false, false, "", &a.filterTemplate)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	switch {
	case a.dnTemplate == "" && a.baseDN == "":
		return fmt.Errorf("%s: base_dn not set", modName)
	case a.dnTemplate == "" && a.filterTemplate == "":
		return fmt.Errorf("%s: filter not set", modName)
	case a.dnTemplate != "" && (a.baseDN != "" || a.filterTemplate != ""):
		return fmt.Errorf("%s: search directives set when dn_template is used", modName)
	}

	var err error
	a.conn, err = a.dial()
	if err != nil {
		return fmt.Errorf("%s: %w", modName, err)
	}
	return nil
}

func readBindDirective(c *config.Map, n config.Node) (interface{}, error) {
	if len(n.Args) == 0 {
		return nil, fmt.Errorf("%s: bind expects at least one argument", modName)
	}
	switch n.Args[0] {
	case "off":
		return bindFunc(func(*ldap.Conn) error { return nil }), nil
	case "unauth":
		authzID := ""
		if len(n.Args) == 2 {
			authzID = n.Args[1]
		}
		return bindFunc(func(c *ldap.Conn) error {
			return c.UnauthenticatedBind(authzID)
		}), nil
	case "plain":
		if len(n.Args) != 3 {
			return nil, fmt.Errorf("%s: username and password expected for plaintext bind", modName)
		}
		return bindFunc(func(c *ldap.Conn) error {
			return c.Bind(n.Args[1], n.Args[2])
		}), nil
	case "external":
		return bindFunc((*ldap.Conn).ExternalBind), nil
	}
	return nil, fmt.Errorf("%s: unknown bind authentication: %v", modName, n.Args[0])
}

// dial connects to the first reachable directory server and performs the
// read bind.
func (a *Auth) dial() (*ldap.Conn, error) {
	var conn *ldap.Conn
	for _, u := range a.urls {
		parsedURL, err := url.Parse(u)
		if err != nil {
			return nil, fmt.Errorf("invalid server URL: %w", err)
		}

		tlsCfg := a.tlsCfg.Clone()
		if tlsCfg == nil {
			tlsCfg = &tls.Config{}
		}
		tlsCfg.ServerName = parsedURL.Hostname()

		conn, err = ldap.DialURL(u, ldap.DialWithDialer(a.dialer), ldap.DialWithTLSConfig(tlsCfg))
		if err != nil {
			a.log.Error("cannot contact directory server", err, "url", u)
			conn = nil
			continue
		}

		if a.requestTimeout != 0 {
			conn.SetTimeout(a.requestTimeout)
		}
		if a.startls {
			if err := conn.StartTLS(tlsCfg); err != nil {
				conn.Close()
				return nil, err
			}
		}
		break
	}
	if conn == nil {
		return nil, fmt.Errorf("all directory servers are unreachable")
	}

	if err := a.readBind(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// acquireConn hands out the shared connection, reconnecting when it went
// away. The lock is held until releaseConn.
func (a *Auth) acquireConn() (*ldap.Conn, error) {
	a.connLock.Lock()

	if a.conn == nil || a.conn.IsClosing() {
		if a.conn != nil {
			a.conn.Close()
		}
		conn, err := a.dial()
		if err != nil {
			a.connLock.Unlock()
			return nil, fmt.Errorf("%s: %w", modName, err)
		}
		a.conn = conn
	}
	return a.conn, nil
}

// releaseConn rebinds the connection for reading (the user bind done by
// AuthPlain changed its authorization) and releases it.
func (a *Auth) releaseConn(conn *ldap.Conn) {
	defer a.connLock.Unlock()

	if err := a.readBind(conn); err != nil {
		a.log.Error("failed to rebind for reading", err)
		conn.Close()
		if a.conn == conn {
			a.conn = nil
		}
		return
	}
	a.conn = conn
}

// resolveDN maps the username to its directory DN using the configured
// mode. found is false if the search matched nothing.
func (a *Auth) resolveDN(conn *ldap.Conn, username string) (dn string, found bool, err error) {
	if a.dnTemplate != "" {
		return strings.ReplaceAll(a.dnTemplate, "{username}", username), true, nil
	}

	req := ldap.NewSearchRequest(
		a.baseDN, ldap.ScopeWholeSubtree, ldap.NeverDerefAliases,
		2, 0, false,
		strings.ReplaceAll(a.filterTemplate, "{username}", username),
		[]string{"dn"}, nil)
	res, err := conn.Search(req)
	if err != nil {
		return "", false, fmt.Errorf("%s: search: %w", modName, err)
	}
	switch len(res.Entries) {
	case 0:
		return "", false, nil
	case 1:
		return res.Entries[0].DN, true, nil
	default:
		return "", false, fmt.Errorf("%s: too many entries returned (%d)", modName, len(res.Entries))
	}
}

func (a *Auth) AuthPlain(username, password string) error {
	conn, err := a.acquireConn()
	if err != nil {
		return err
	}
	defer a.releaseConn(conn)

	userDN, found, err := a.resolveDN(conn, username)
	if err != nil {
		return err
	}
	if !found {
		return module.ErrUnknownCredentials
	}

	if err := conn.Bind(userDN, password); err != nil {
		return module.ErrUnknownCredentials
	}
	return nil
}

// Lookup implements module.Table, returning the DN of the user. Requires
// the search configuration.
func (a *Auth) Lookup(_ context.Context, username string) (string, bool, error) {
	if a.dnTemplate != "" {
		return "", false, fmt.Errorf("%s: lookups require search config but dn_template is used", modName)
	}

	conn, err := a.acquireConn()
	if err != nil {
		return "", false, err
	}
	defer a.releaseConn(conn)

	return a.resolveDN(conn, username)
}

func init() {
	module.Register(modName, New)
	module.Register("table.ldap", New)
}
