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

// Package modconfig provides config.Map matchers that resolve module
// references in the configuration: either '&name' references to named
// instances or inline definitions initialized in place.
package modconfig

import (
	"fmt"
	"io"
	"reflect"
	"strings"

	parser "github.com/foxcpp/ferrum/framework/cfgparser"
	"github.com/foxcpp/ferrum/framework/config"
	"github.com/foxcpp/ferrum/framework/hooks"
	"github.com/foxcpp/ferrum/framework/log"
	"github.com/foxcpp/ferrum/framework/module"
)

// lookupConstructor finds the module constructor, preferring the
// namespaced name (e.g. "check." + name) over the bare one.
func lookupConstructor(preferredNamespace, modName string) (module.FuncNewModule, string, error) {
	if !strings.Contains(modName, ".") && preferredNamespace != "" {
		nsName := preferredNamespace + "." + modName
		if ctor := module.Get(nsName); ctor != nil {
			return ctor, nsName, nil
		}
	}
	if ctor := module.Get(modName); ctor != nil {
		return ctor, modName, nil
	}
	return nil, "", fmt.Errorf("unknown module: %s (namespace: %s)", modName, preferredNamespace)
}

// initInline initializes an inline-defined module instance using a
// synthetic config block, wiring its Close into the shutdown hooks the
// same way named instances are handled.
func initInline(modObj module.Module, globals map[string]interface{}, block config.Node) error {
	if err := modObj.Init(config.NewMap(globals, block)); err != nil {
		return err
	}

	if closer, ok := modObj.(io.Closer); ok {
		hooks.AddHook(hooks.EventShutdown, func() {
			log.Debugf("close %s (%s)", modObj.Name(), modObj.InstanceName())
			if err := closer.Close(); err != nil {
				log.Printf("module %s (%s) close failed: %v", modObj.Name(), modObj.InstanceName(), err)
			}
		})
	}
	return nil
}

// storeModule assigns the module object into the moduleIface pointer,
// verifying the interface (or concrete type) compatibility via
// reflection. Panics if moduleIface is not a pointer.
func storeModule(modObj module.Module, moduleIface interface{}, inlineCfg config.Node) error {
	modIfaceType := reflect.TypeOf(moduleIface).Elem()
	modObjType := reflect.TypeOf(modObj)

	if modIfaceType.Kind() == reflect.Interface {
		if !modObjType.Implements(modIfaceType) && !modObjType.AssignableTo(modIfaceType) {
			return parser.NodeErr(inlineCfg, "module %s (%s) doesn't implement %v interface",
				modObj.Name(), modObj.InstanceName(), modIfaceType)
		}
	} else if !modObjType.AssignableTo(modIfaceType) {
		// Assignment to a concrete module type, used by "module groups".
		return parser.NodeErr(inlineCfg, "module %s (%s) is not %v",
			modObj.Name(), modObj.InstanceName(), modIfaceType)
	}

	reflect.ValueOf(moduleIface).Elem().Set(reflect.ValueOf(modObj))
	return nil
}

// ModuleFromNode resolves a module reference from a configuration
// directive and stores the result into moduleIface (a pointer to a
// module interface or concrete type).
//
// args is either "&instance_name" (a reference to a named top-level
// instance) or "mod_name [inline_args...]" (an inline definition, with
// inlineCfg providing its configuration block). preferredNamespace is
// the implicit module name prefix tried first.
func ModuleFromNode(preferredNamespace string, args []string, inlineCfg config.Node, globals map[string]interface{}, moduleIface interface{}) error {
	if len(args) == 0 {
		return parser.NodeErr(inlineCfg, "at least one argument is required")
	}

	if strings.HasPrefix(args[0], "&") {
		if len(args) != 1 || inlineCfg.Children != nil {
			return parser.NodeErr(inlineCfg, "exactly one argument is required to use existing config block")
		}

		log.Debugf("%s:%d: reference %s", inlineCfg.File, inlineCfg.Line, args[0])
		modObj, err := module.GetInstance(args[0][1:])
		if err != nil {
			return err
		}
		return storeModule(modObj, moduleIface, inlineCfg)
	}

	log.Debugf("%s:%d: new module %s %v", inlineCfg.File, inlineCfg.Line, args[0], args[1:])
	ctor, modName, err := lookupConstructor(preferredNamespace, args[0])
	if err != nil {
		return err
	}
	modObj, err := ctor(modName, "", nil, args[1:])
	if err != nil {
		return err
	}

	if err := storeModule(modObj, moduleIface, inlineCfg); err != nil {
		return err
	}
	return initInline(modObj, globals, inlineCfg)
}

// GroupFromNode is ModuleFromNode that allows omitting the module name
// in the inline form, substituting defaultModule.
func GroupFromNode(defaultModule string, args []string, inlineCfg config.Node, globals map[string]interface{}, moduleIface interface{}) error {
	if len(args) == 0 {
		args = []string{defaultModule}
	}
	return ModuleFromNode("", args, inlineCfg, globals, moduleIface)
}
