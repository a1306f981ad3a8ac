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

// Package module contains modules registry and interfaces implemented
// by modules.
//
// Interfaces are placed here to prevent circular dependencies.
//
// Each interface required by ferrum for operation is provided by some
// object called "module". This includes authentication, delivery targets,
// checks, message filters, etc. Each module may serve multiple functions.
// I.e. it can be a delivery target and an authentication provider at the
// same moment.
//
// Each module gets its own unique name. Each module instance also can have
// its own unique name that is used to refer to it in the configuration.
package module

import (
	"github.com/foxcpp/ferrum/framework/config"
)

// Module is the interface implemented by all ferrum module instances.
//
// It defines basic methods used to identify instances.
//
// Additionally, a module can implement io.Closer if it needs to perform
// clean-up on shutdown. If the module starts long-lived goroutines - they
// should be stopped *before* the Close method returns to ensure graceful
// shutdown.
type Module interface {
	// Init performs the actual initialization of the module.
	//
	// It is not done in FuncNewModule so all module instances are
	// registered at the time of initialization, thus initialization does
	// not depend on ordering of configuration blocks and modules can
	// reference each other without any problems.
	//
	// Module can use the passed config.Map to read its configuration
	// variables.
	Init(*config.Map) error

	// Name method reports the module name.
	//
	// It is used to reference the module in the configuration and in logs.
	Name() string

	// InstanceName method reports the unique name of this module instance
	// or empty string if the module instance is unnamed.
	InstanceName() string
}

// FuncNewModule is the function that creates a new instance of a module
// with the specified name.
//
// Module.InstanceName() of the returned module object should return
// instName. The aliases slice contains other names that can be used to
// reference the created module instance.
//
// If the module is defined inline, instName will be empty and all values
// specified after the module name in configuration will be in inlineArgs.
type FuncNewModule func(modName, instName string, aliases, inlineArgs []string) (Module, error)

// FuncNewEndpoint is the function that creates a new instance of an
// endpoint module.
//
// Compared to regular modules, endpoint module instances are:
// - Not registered in the global registry.
// - Can't be defined inline.
// - Don't have an unique name.
// - All config arguments are always passed as an 'addrs' slice and not
// used as names.
type FuncNewEndpoint func(modName string, addrs []string) (Module, error)
