package check

import (
	modconfig "github.com/foxcpp/ferrum/framework/config/module"
)

// Aliases for the modconfig types so stateless check implementations do
// not need to import it directly.
type FailAction = modconfig.FailAction

var FailActionDirective = modconfig.FailActionDirective
