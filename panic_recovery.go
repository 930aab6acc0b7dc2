// panic_recovery.go: Panic isolation for plugin code and observers
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"fmt"
	"runtime"
)

// RecoveryHandler defines the signature for panic recovery handlers.
type RecoveryHandler func(recovered interface{}, stack []byte)

func captureStack() []byte {
	buf := make([]byte, 64<<10)
	n := runtime.Stack(buf, false)
	return buf[:n]
}

// withStackRecover returns a deferred function that logs a recovered panic
// together with the goroutine stack.
//
//	go func() {
//	    defer withStackRecover(logger)()
//	    // potentially panicking code
//	}()
func withStackRecover(logger Logger) func() {
	return func() {
		if r := recover(); r != nil {
			logger.Error("Panic recovered in goroutine",
				"panic", fmt.Sprint(r),
				"stack", string(captureStack()))
		}
	}
}

// withCustomRecoveryHandler returns a deferred function that hands a
// recovered panic and its stack to handler.
func withCustomRecoveryHandler(handler RecoveryHandler) func() {
	return func() {
		if r := recover(); r != nil {
			handler(r, captureStack())
		}
	}
}

// SafeGo executes fn in a new goroutine. A panic is logged and terminates
// only that goroutine.
func SafeGo(logger Logger, fn func()) {
	go func() {
		defer withStackRecover(logger)()
		fn()
	}()
}

// callPluginCode runs fn and converts a panic into a hook panic error so that
// plugin code can never take the host down.
func callPluginCode(logger Logger, pluginID, hook string, fn func() error) (err error) {
	defer withCustomRecoveryHandler(func(recovered interface{}, stack []byte) {
		logger.Error("Plugin code panicked",
			"plugin", pluginID,
			"hook", hook,
			"panic", fmt.Sprint(recovered),
			"stack", string(stack))
		err = NewHookPanicError(pluginID, hook, fmt.Sprint(recovered))
	})()
	return fn()
}
