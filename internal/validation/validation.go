package validation

import (
	"github.com/go-playground/validator/v10"
)

// Validate is the shared validator instance. validator caches struct metadata, so a
// single instance is reused across packages.
var Validate = validator.New(validator.WithRequiredStructEnabled())
