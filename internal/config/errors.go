package config

import (
	"errors"
	"fmt"
)

// ConfigurationError reports malformed pool or fleet configuration. It is
// fatal: nothing from a configuration that produced it is applied.
type ConfigurationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	msg := fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// IsConfigurationError reports whether err carries a ConfigurationError
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

func invalid(field, reason string) *ConfigurationError {
	return &ConfigurationError{Field: field, Reason: reason}
}
