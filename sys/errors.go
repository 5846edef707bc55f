package sys

import (
	"runtime/debug"

	"github.com/agentuity/go-stmtcache/logger"
	"github.com/cockroachdb/errors"
)

// panicError converts a recovered panic value into an error annotated with the
// caller frame skip levels above.
func panicError(skip int, r interface{}) error {
	if err, ok := r.(error); ok {
		return errors.WrapWithDepthf(skip, err, "panic")
	}
	return errors.NewWithDepthf(skip, "panic: %v", r)
}

// RecoverPanic recovers from a panic in the calling goroutine and logs it with
// the stack. It must be deferred directly:
//
//	defer sys.RecoverPanic(log)
func RecoverPanic(log logger.Logger) {
	if r := recover(); r != nil {
		log.Error("recovered from %s\n%s", panicError(2, r), debug.Stack())
	}
}
