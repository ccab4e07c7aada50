package rotation

import (
	"errors"
	"fmt"
)

// ErrGameOver is returned when a round is requested after the game ended.
var ErrGameOver = errors.New("rotation: game over")

// ConfigurationError reports an invalid configuration or roster.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration: " + e.Reason
	}
	return fmt.Sprintf("configuration: %s: %s", e.Field, e.Reason)
}

// InvariantViolation is fatal: the engine reached a state its rules forbid.
type InvariantViolation struct {
	Round  int
	Rule   string
	Detail string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation at round %d: %s: %s", e.Round, e.Rule, e.Detail)
}

func configErr(field, format string, args ...any) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func violation(round int, rule, format string, args ...any) error {
	return &InvariantViolation{Round: round, Rule: rule, Detail: fmt.Sprintf(format, args...)}
}
