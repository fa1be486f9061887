package application

import (
	"context"
	"sync"
)

type warningsKey struct{}

// warningSlot holds the latest warning raised during one request.
type warningSlot struct {
	mu  sync.Mutex
	msg string
}

// WithWarnings attaches a one-shot warning slot to ctx. Token operations that
// recover silently, such as a refresh token rollback, leave a message there
// for the caller to surface.
func WithWarnings(ctx context.Context) context.Context {
	return context.WithValue(ctx, warningsKey{}, &warningSlot{})
}

// TakeWarning returns the pending warning and clears it. It returns "" when
// there is none or ctx carries no slot.
func TakeWarning(ctx context.Context) string {
	slot, ok := ctx.Value(warningsKey{}).(*warningSlot)
	if !ok {
		return ""
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	msg := slot.msg
	slot.msg = ""
	return msg
}

func addWarning(ctx context.Context, msg string) {
	slot, ok := ctx.Value(warningsKey{}).(*warningSlot)
	if !ok {
		return
	}
	slot.mu.Lock()
	slot.msg = msg
	slot.mu.Unlock()
}
