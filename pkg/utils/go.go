package utils

import (
	"context"
	"fmt"
	"runtime/debug"
)

// PanicHandler receives recovered panics from goroutines started with Go.
var PanicHandler = func(ctx context.Context, recovered interface{}, stack []byte) {
	fmt.Printf("recovered panic in goroutine: %v\n%s\n", recovered, stack)
}

// Go runs fn on a new goroutine and recovers any panic so a single failing
// callback cannot bring the agent down.
func Go(ctx context.Context, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				PanicHandler(ctx, r, debug.Stack())
			}
		}()
		fn()
	}()
}
