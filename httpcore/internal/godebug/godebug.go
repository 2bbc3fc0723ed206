// Package godebug provides a mechanism to configure httpcore compatibility
// and tracing parameters via the INVERNOHTTPDEBUG environment variable.
//
// The value of INVERNOHTTPDEBUG is a comma-separated list of key=value pairs.
// For example:
//
//	INVERNOHTTPDEBUG=connlog=1,h2frames=1
package godebug

import (
	"fmt"
	"os"
	"strings"
)

const compatibilityEnvKey = "INVERNOHTTPDEBUG"

var params map[string]string

func init() {
	var err error
	params, err = parse(os.Getenv(compatibilityEnvKey))
	if err != nil {
		panic(err)
	}
}

// Value returns the value of the debug parameter with the given key, or the
// empty string if it is not set.
func Value(key string) string {
	return params[key]
}

// Enabled reports whether the debug parameter with the given key is set to a
// truthy value ("1", "true", "yes").
func Enabled(key string) bool {
	switch params[key] {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}

func parse(envValue string) (map[string]string, error) {
	if envValue == "" {
		return nil, nil
	}
	out := make(map[string]string)
	for _, part := range strings.Split(envValue, ",") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("%s: invalid format: %q", compatibilityEnvKey, part)
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out, nil
}
