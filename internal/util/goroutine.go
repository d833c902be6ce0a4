package util

import (
	"fmt"

	"go.uber.org/zap"
)

// SafeGo launches a goroutine with panic recovery.
// A panic is logged and passed to onPanic (if set) instead of crashing the process.
func SafeGo(logger *zap.SugaredLogger, component string, onPanic func(), fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorw("Panic recovered in goroutine",
					"component", component,
					"panic", fmt.Sprintf("%v", r))
				if onPanic != nil {
					onPanic()
				}
			}
		}()
		fn()
	}()
}
