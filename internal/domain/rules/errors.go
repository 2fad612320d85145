package rules

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a rule id is not in the catalog.
var ErrNotFound = errors.New("rule not found")

// ConfigError reports a rule that cannot be executed because its definition
// is invalid: a duplicate execution order, an unknown kind, malformed params
// or malformed dynamic criteria.
type ConfigError struct {
	RuleID string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.RuleID == "" {
		return fmt.Sprintf("rule config: %s", e.Reason)
	}
	return fmt.Sprintf("rule config %s: %s", e.RuleID, e.Reason)
}

func configErr(ruleID, format string, args ...interface{}) error {
	return &ConfigError{RuleID: ruleID, Reason: fmt.Sprintf(format, args...)}
}

// IsConfigError reports whether err is, or wraps, a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
