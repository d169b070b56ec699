package config

import (
	"fmt"
	"strings"
)

// validateParams checks that every extra parameter is in key=value form.
func validateParams(params []string) error {
	for i, param := range params {
		if err := validateParamFormat(param); err != nil {
			return fmt.Errorf("runtime.extra_env[%d]: %w", i, err)
		}
	}
	return nil
}

// validateParamFormat validates that a parameter is in key=value format.
func validateParamFormat(param string) error {
	param = strings.TrimSpace(param)
	if param == "" {
		return fmt.Errorf("parameter cannot be empty")
	}

	key, _, ok := strings.Cut(param, "=")
	if !ok {
		return fmt.Errorf("invalid format: expected 'key=value', got '%s'", param)
	}
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("parameter key cannot be empty")
	}

	// Value can be empty (e.g., "debug=")
	return nil
}
