package ratelimit

import (
	"errors"
	"strings"
)

var (
	// ErrInvalidConfig matches any *ConfigError via errors.Is.
	ErrInvalidConfig = errors.New("ratelimit: invalid configuration")

	// ErrInvalidKey is returned by Check for an empty caller key.
	ErrInvalidKey = errors.New("ratelimit: key must be non-empty")
)

// ConfigError lists every problem found while validating a Config.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	return ErrInvalidConfig.Error() + ": " + strings.Join(e.Problems, "; ")
}

func (e *ConfigError) Is(target error) bool { return target == ErrInvalidConfig }
