package kernel

import (
	"fmt"

	"github.com/pyre-project/pyre/kernel/kfmt"
	"github.com/pyre-project/pyre/kernel/sync"
)

var (
	// haltFn is mocked by tests.
	haltFn = halt

	errRuntimePanic = &Error{Module: "rt", Message: "unknown cause"}

	// panicLock keeps the reports of cores that panic at once apart.
	panicLock sync.Spinlock
)

// Panic outputs the supplied error (if not nil) to the kernel log and halts
// the calling core. Calls to Panic never return unless haltFn is mocked.
func Panic(e interface{}) {
	var err *Error

	switch t := e.(type) {
	case *Error:
		err = t
	case string:
		err = errRuntimePanic.Wrap(fmt.Errorf("%s", t))
	case error:
		err = errRuntimePanic.Wrap(t)
	}

	panicLock.Acquire()
	log := kfmt.Logger("panic")
	if err != nil {
		log = kfmt.Logger(err.Module)
		log.Errorf("unrecoverable error: %s", err.Error())
	}
	log.Error("*** kernel panic: system halted ***")
	panicLock.Release()

	if err == nil {
		err = errRuntimePanic
	}
	haltFn(err)
}

// halt stops the calling core. When running hosted there is no core to stop,
// so the goroutine unwinds with err instead.
func halt(err *Error) {
	panic(err)
}
