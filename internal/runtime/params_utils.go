package runtime

import (
	"strings"

	"github.com/soumen02/lesion-segmentator/internal/logger"
)

// ParamsToEnv converts key=value parameters to environment variables.
//
// Keys are converted to upper-case environment variable names:
//   - camelCase -> CAMEL_CASE
//   - kebab-case -> KEBAB_CASE
//
// Malformed parameters are skipped with a warning.
//
// Parameters:
//   - params: List of "key=value" parameters
//
// Returns:
//   - Map of environment variables
//
// Example:
//
//	Input: ["numWorkers=2", "torch-home=/models/torch"]
//	Output: {"NUM_WORKERS": "2", "TORCH_HOME": "/models/torch"}
func ParamsToEnv(params []string) map[string]string {
	env := make(map[string]string, len(params))

	for _, param := range params {
		key, value, ok := strings.Cut(param, "=")
		if !ok {
			logger.Warn("Invalid parameter format (expected key=value): %s", param)
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			logger.Warn("Empty key in parameter: %s", param)
			continue
		}

		envKey := envVarName(key)
		env[envKey] = strings.TrimSpace(value)
		logger.Debug("Parameter %s -> %s", key, envKey)
	}

	return env
}

// envVarName converts a parameter key to environment variable format.
func envVarName(key string) string {
	var result strings.Builder

	for i, ch := range key {
		switch {
		case ch == '-' || ch == '.':
			result.WriteRune('_')
		case ch >= 'A' && ch <= 'Z':
			// Already upper-case runs (OMP_NUM_THREADS) are kept as is.
			if i > 0 && key[i-1] >= 'a' && key[i-1] <= 'z' {
				result.WriteRune('_')
			}
			result.WriteRune(ch)
		default:
			result.WriteRune(ch)
		}
	}

	return strings.ToUpper(result.String())
}
