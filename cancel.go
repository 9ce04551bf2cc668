package odata

import (
	"context"
	"errors"
)

// cancelHandle is the cancellation token owned by exactly one Request.
type cancelHandle struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
}

func newCancelHandle() *cancelHandle {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &cancelHandle{ctx: ctx, cancel: cancel}
}

// signal cancels the handle. Only the first call has an effect.
func (h *cancelHandle) signal(message string) {
	h.cancel(&CancellationError{Message: message})
}

// cause returns the CancellationError once the handle was signalled.
func (h *cancelHandle) cause() error {
	if h.ctx.Err() == nil {
		return nil
	}
	return context.Cause(h.ctx)
}

// bind derives a context from parent that is also cancelled, with the
// handle's cause, when the handle is signalled. release must be called once
// the call using ctx returns.
func (h *cancelHandle) bind(parent context.Context) (ctx context.Context, release func()) {
	ctx, cancel := context.WithCancelCause(parent)
	stop := context.AfterFunc(h.ctx, func() {
		cancel(context.Cause(h.ctx))
	})
	return ctx, func() {
		stop()
		cancel(nil)
	}
}

// cancellationCause returns the *CancellationError that cancelled ctx, if any.
func cancellationCause(ctx context.Context) (*CancellationError, bool) {
	if ctx == nil || ctx.Err() == nil {
		return nil, false
	}
	var cancelErr *CancellationError
	if errors.As(context.Cause(ctx), &cancelErr) {
		return cancelErr, true
	}
	return nil, false
}
