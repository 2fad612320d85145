// Package lock serializes operations that mutate one reference period.
// The Redis locker coordinates several server instances; the local locker
// serves a single process.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrPeriodBusy is returned when a period lock is still held by another
// operation after the wait elapsed.
var ErrPeriodBusy = errors.New("period is locked by another operation")

// Locker hands out named exclusive locks.
type Locker interface {
	// Acquire takes the lock, waiting while another holder has it. The
	// returned function releases it and is safe to call more than once.
	Acquire(ctx context.Context, name string) (release func(), err error)
}

// PeriodKey is the lock name of a reference period.
func PeriodKey(period string) string {
	return "volumetry:period:" + period
}

// Local is an in-process Locker.
type Local struct {
	wait  time.Duration
	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewLocal returns a Locker that waits up to wait for a held lock.
func NewLocal(wait time.Duration) *Local {
	return &Local{wait: wait, slots: map[string]chan struct{}{}}
}

func (l *Local) slot(name string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[name]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[name] = ch
	}
	return ch
}

func (l *Local) Acquire(ctx context.Context, name string) (func(), error) {
	ch := l.slot(name)
	timer := time.NewTimer(l.wait)
	defer timer.Stop()
	select {
	case ch <- struct{}{}:
	case <-timer.C:
		return nil, ErrPeriodBusy
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() { once.Do(func() { <-ch }) }, nil
}
