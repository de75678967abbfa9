// Package config is the environment layer shared by the gateway binaries.
// Every variable carries the DONORGATE_ prefix; flags registered over the
// parsed values take precedence.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// ParseEnv fills target from the environment variables its `env` struct tags
// declare. Untagged fields are skipped, which keeps flag-only values out of
// the environment entirely.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
