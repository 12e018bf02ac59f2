package schema

import (
	"errors"
	"fmt"
)

// ErrInvalidKey is returned when a value cannot be used as a record key.
var ErrInvalidKey = errors.New("invalid key")

// ConfigError reports an invalid registry configuration. It is fatal at
// startup and never recoverable at runtime.
type ConfigError struct {
	Table  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("schema config: table %q: %s", e.Table, e.Reason)
	}
	return fmt.Sprintf("schema config: %s", e.Reason)
}

func configErrorf(table, format string, args ...interface{}) error {
	return &ConfigError{Table: table, Reason: fmt.Sprintf(format, args...)}
}
