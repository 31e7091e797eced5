package engine

import (
	"fmt"
	"runtime/debug"

	"golang.org/x/sync/errgroup"

	"github.com/deckhand/deckhand/pkg/logger"
)

// SafeGroup wraps errgroup.Group with panic recovery so a panicking job
// cannot take the process down. Unlike errgroup.WithContext, one failing
// worker does not cancel the others.
type SafeGroup struct {
	group  errgroup.Group
	logger logger.Logger
}

// NewSafeGroup creates a new SafeGroup with panic recovery
func NewSafeGroup(log logger.Logger) *SafeGroup {
	return &SafeGroup{logger: log}
}

// Go runs fn in a new goroutine. A panic in fn is converted to an error
// and logged with its stack trace. then, when non-nil, runs after fn on
// the same goroutine outside the recovery, so a panic in then is fatal.
func (sg *SafeGroup) Go(fn func() error, then func()) {
	sg.group.Go(func() error {
		err := sg.protect(fn)
		if then != nil {
			then()
		}
		return err
	})
}

func (sg *SafeGroup) protect(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			sg.logger.Error("Goroutine panic recovered",
				logger.WithField("panic", r),
				logger.WithField("stack_trace", string(debug.Stack())))
			err = fmt.Errorf("goroutine panic: %v", r)
		}
	}()
	return fn()
}

// Wait blocks until all goroutines have completed and returns the first
// error encountered
func (sg *SafeGroup) Wait() error {
	return sg.group.Wait()
}
