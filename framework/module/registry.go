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

package module

import (
	"sync"

	"github.com/foxcpp/ferrum/framework/log"
)

var (
	modules     = make(map[string]FuncNewModule)
	endpoints   = make(map[string]FuncNewEndpoint)
	modulesLock sync.RWMutex
)

// Register adds the module constructor to the global registry.
//
// Instance name must be unique. A second Register with the same module name
// will replace the previous constructor.
func Register(name string, factory FuncNewModule) {
	modulesLock.Lock()
	defer modulesLock.Unlock()

	if _, ok := modules[name]; ok {
		log.Debugln("module constructor override for", name)
	}

	modules[name] = factory
}

// Get returns the module constructor from the global registry or nil if
// there is no module with the specified name.
func Get(name string) FuncNewModule {
	modulesLock.RLock()
	defer modulesLock.RUnlock()

	return modules[name]
}

// RegisterDeprecated adds the module constructor to the registry under an
// old name, logging a deprecation warning suggesting newName when it is
// used.
func RegisterDeprecated(name, newName string, factory FuncNewModule) {
	Register(name, func(modName, instName string, aliases, inlineArgs []string) (Module, error) {
		log.Printf("module initialized via deprecated name %s, use %s instead", name, newName)
		return factory(modName, instName, aliases, inlineArgs)
	})
}

// RegisterEndpoint registers an endpoint module constructor.
//
// See FuncNewEndpoint for information on how endpoint modules differ from
// regular modules.
func RegisterEndpoint(name string, factory FuncNewEndpoint) {
	modulesLock.Lock()
	defer modulesLock.Unlock()

	endpoints[name] = factory
}

func GetEndpoint(name string) FuncNewEndpoint {
	modulesLock.RLock()
	defer modulesLock.RUnlock()

	return endpoints[name]
}

// GetEndpoints returns names of all registered endpoint modules.
func GetEndpoints() []string {
	modulesLock.RLock()
	defer modulesLock.RUnlock()

	res := make([]string, 0, len(endpoints))
	for name := range endpoints {
		res = append(res, name)
	}
	return res
}
