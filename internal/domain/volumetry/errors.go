package volumetry

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a batch, run or period row does not exist.
var ErrNotFound = errors.New("not found")

// TransientStoreError wraps a store failure that may succeed on retry:
// serialization failures, deadlocks, lock timeouts, cancelled statements
// and busy SQLite databases.
type TransientStoreError struct {
	Op  string
	Err error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("transient store error in %s: %v", e.Op, e.Err)
}

func (e *TransientStoreError) Unwrap() error { return e.Err }

// IsTransient reports whether err is, or wraps, a TransientStoreError.
func IsTransient(err error) bool {
	var te *TransientStoreError
	return errors.As(err, &te)
}

// PeriodClosedError is returned when a mutation targets a closed reference
// period.
type PeriodClosedError struct {
	Period Period
}

func (e *PeriodClosedError) Error() string {
	return fmt.Sprintf("period %s is closed", e.Period)
}

// IsPeriodClosed reports whether err is, or wraps, a PeriodClosedError.
func IsPeriodClosed(err error) bool {
	var pe *PeriodClosedError
	return errors.As(err, &pe)
}
