package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// ValidateSpecs checks every decoded ChildSpec against its struct tags
// before the specs are handed to the spawner: a non-empty Command and
// well-formed Env keys.
func ValidateSpecs(specs []ChildSpec) error {
	v := validator.New(validator.WithRequiredStructEnabled())
	for i, s := range specs {
		if err := v.Struct(s); err != nil {
			return fmt.Errorf("config: server[%d] %q: %w", i, s.Name, err)
		}
	}
	return nil
}
