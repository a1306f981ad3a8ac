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

// Package ferrum implements the server lifecycle: configuration loading,
// module instantiation and graceful shutdown.
package ferrum

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/foxcpp/ferrum/framework/config"
	"github.com/foxcpp/ferrum/framework/hooks"
	"github.com/foxcpp/ferrum/framework/log"
	"github.com/foxcpp/ferrum/framework/module"

	// Imported for their side-effect of module registration.
	_ "github.com/foxcpp/ferrum/internal/auth/ldap"
	_ "github.com/foxcpp/ferrum/internal/auth/pass_table"
	_ "github.com/foxcpp/ferrum/internal/authz"
	_ "github.com/foxcpp/ferrum/internal/check/arc"
	_ "github.com/foxcpp/ferrum/internal/check/authorize_sender"
	_ "github.com/foxcpp/ferrum/internal/check/dkim"
	_ "github.com/foxcpp/ferrum/internal/check/dns"
	_ "github.com/foxcpp/ferrum/internal/check/dnsbl"
	_ "github.com/foxcpp/ferrum/internal/check/milter"
	_ "github.com/foxcpp/ferrum/internal/check/requiretls"
	_ "github.com/foxcpp/ferrum/internal/check/rspamd"
	_ "github.com/foxcpp/ferrum/internal/check/spf"
	_ "github.com/foxcpp/ferrum/internal/endpoint/smtp"
	_ "github.com/foxcpp/ferrum/internal/limits"
	_ "github.com/foxcpp/ferrum/internal/modify"
	_ "github.com/foxcpp/ferrum/internal/modify/dkim"
	_ "github.com/foxcpp/ferrum/internal/msgpipeline"
	_ "github.com/foxcpp/ferrum/internal/report"
	_ "github.com/foxcpp/ferrum/internal/storage/blob/fs"
	_ "github.com/foxcpp/ferrum/internal/storage/blob/s3"
	_ "github.com/foxcpp/ferrum/internal/table"
	_ "github.com/foxcpp/ferrum/internal/target/queue"
	_ "github.com/foxcpp/ferrum/internal/target/remote"
	_ "github.com/foxcpp/ferrum/internal/target/smtp_downstream"
)

var (
	Version = "unknown (built from source tree)"

	// DefaultLibexecDirectory is set by the linker flags.
	DefaultLibexecDirectory = "/usr/lib/ferrum"

	// DefaultStateDirectory is set by the linker flags.
	DefaultStateDirectory = "/var/lib/ferrum"

	// DefaultRuntimeDirectory is set by the linker flags.
	DefaultRuntimeDirectory = "/run/ferrum"

	// ConfigDirectory specifies the default location of the server
	// configuration.
	ConfigDirectory = "/etc/ferrum"
)

// Run loads the configuration from the specified path and starts the
// server, blocking until a termination signal arrives.
func Run(configPath string, debug bool) error {
	f, err := os.Open(configPath)
	if err != nil {
		return fmt.Errorf("cannot open %q: %w", configPath, err)
	}
	defer f.Close()

	cfg, err := config.Read(f, configPath)
	if err != nil {
		return fmt.Errorf("cannot parse %q: %w", configPath, err)
	}

	if debug {
		log.DefaultLogger.Debug = true
	}

	return Start(cfg)
}

// Start instantiates all modules from the configuration tree and runs
// them until shutdown.
func Start(cfg []config.Node) error {
	globals := config.NewMap(nil, config.Node{Children: cfg})
	globals.String("state_dir", false, false, DefaultStateDirectory, &config.StateDirectory)
	globals.String("runtime_dir", false, false, DefaultRuntimeDirectory, &config.RuntimeDirectory)
	globals.String("libexec_dir", false, false, DefaultLibexecDirectory, &config.LibexecDirectory)
	globals.String("hostname", false, false, "", nil)
	globals.String("autogenerated_msg_domain", false, false, "", nil)
	globals.Custom("tls", false, false, nil, config.TLSDirective, nil)
	globals.Bool("debug", false, log.DefaultLogger.Debug, &log.DefaultLogger.Debug)
	globals.AllowUnknown()
	unknown, err := globals.Process()
	if err != nil {
		return err
	}

	if err := ensureDirectories(); err != nil {
		return err
	}

	defer log.DefaultLogger.Out.Close()

	endpoints, err := instantiateConfigBlocks(globals.Values, unknown)
	if err != nil {
		return err
	}

	handleSignals()

	hooks.RunHooks(hooks.EventShutdown)

	// Make the linter happy, endpoints are closed by the shutdown hook
	// installed by module.GetInstance.
	_ = endpoints

	return nil
}

func ensureDirectories() error {
	for _, dir := range []string{config.StateDirectory, config.RuntimeDirectory} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	// Make sure the relative paths in the config are resolved
	// predictably.
	return os.Chdir(config.StateDirectory)
}

// instantiateConfigBlocks creates module instances for all top-level
// configuration blocks: endpoint modules keyed by the scheme of their
// address arguments and regular named module instances.
func instantiateConfigBlocks(globals map[string]interface{}, unknown []config.Node) ([]module.Module, error) {
	var (
		endpointNodes []config.Node
		instNames     []string
	)

	// Do two passes: register all named instances first so cross
	// references work independently of the block order, then initialize.
	for _, block := range unknown {
		if module.GetEndpoint(blockEndpointScheme(block)) != nil {
			endpointNodes = append(endpointNodes, block)
			continue
		}

		modName := block.Name
		instName := modName
		aliases := []string{}
		if len(block.Args) != 0 {
			instName = block.Args[0]
			aliases = block.Args[1:]
		}

		factory := module.Get(modName)
		if factory == nil {
			return nil, config.NodeErr(block, "unknown module or endpoint: %s", modName)
		}

		inst, err := factory(modName, instName, aliases, nil)
		if err != nil {
			return nil, err
		}

		block := block
		instNames = append(instNames, instName)
		module.RegisterInstance(inst, config.NewMap(globals, block))
		for _, alias := range aliases {
			module.RegisterAlias(alias, instName)
		}
	}

	// Initialize endpoints last so they start accepting connections only
	// once their dependencies are ready.
	endpoints := make([]module.Module, 0, len(endpointNodes))
	for _, block := range endpointNodes {
		inst, err := instantiateEndpoint(globals, block)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, inst)
	}

	// Initialize the remaining registered instances - the ones not
	// referenced by any endpoint (e.g. report generators).
	for _, name := range instNames {
		if _, err := module.GetInstance(name); err != nil {
			return nil, err
		}
	}

	if len(endpoints) == 0 {
		log.Printf("no endpoints configured, ferrum will do nothing")
	}

	return endpoints, nil
}

func blockEndpointScheme(block config.Node) string {
	if module.GetEndpoint(block.Name) != nil {
		return block.Name
	}
	return ""
}

func instantiateEndpoint(globals map[string]interface{}, block config.Node) (module.Module, error) {
	factory := module.GetEndpoint(block.Name)

	addrs := make([]string, 0, len(block.Args))
	for _, arg := range block.Args {
		if !strings.Contains(arg, "://") {
			return nil, config.NodeErr(block, "malformed endpoint address: %s", arg)
		}
		addrs = append(addrs, arg)
	}

	inst, err := factory(block.Name, addrs)
	if err != nil {
		return nil, err
	}

	if err := inst.Init(config.NewMap(globals, block)); err != nil {
		return nil, err
	}

	if closer, ok := inst.(interface{ Close() error }); ok {
		hooks.AddHook(hooks.EventShutdown, func() {
			log.Debugf("close %s", inst.Name())
			if err := closer.Close(); err != nil {
				log.Printf("endpoint %s close failed: %v", inst.Name(), err)
			}
		})
	}

	return inst, nil
}

func handleSignals() os.Signal {
	sig := make(chan os.Signal, 5)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2)

	for {
		s := <-sig
		switch s {
		case syscall.SIGUSR1:
			log.Printf("signal received (%s), rotating logs", s.String())
			hooks.RunHooks(hooks.EventLogRotate)
		case syscall.SIGUSR2:
			log.Printf("signal received (%s), reloading state", s.String())
			hooks.RunHooks(hooks.EventReload)
		default:
			go func() {
				s := handleSignals()
				log.Printf("forced shutdown due to signal (%v)!", s)
				os.Exit(1)
			}()

			log.Printf("signal received (%v), next signal will force immediate shutdown.", s)
			return s
		}
	}
}

// LibexecFile returns the path to the helper binary or file in the
// libexec directory.
func LibexecFile(name string) string {
	return filepath.Join(config.LibexecDirectory, name)
}
