// Package gchan provides small context-aware helpers for the
// request/response channel pattern used throughout the driver: send a
// request carrying its own response channel, and wait for either a
// reply or context cancellation.
package gchan

import "context"

// Send writes v to ch, returning false instead of blocking forever if
// ctx is canceled first.
func Send[T any](ctx context.Context, ch chan<- T, v T) bool {
	select {
	case ch <- v:
		return true
	case <-ctx.Done():
		return false
	}
}

// Recv reads a value from ch, returning false instead of blocking
// forever if ctx is canceled first.
func Recv[T any](ctx context.Context, ch <-chan T) (T, bool) {
	select {
	case v, ok := <-ch:
		return v, ok
	case <-ctx.Done():
		var zero T
		return zero, false
	}
}

// ReqResp sends req on reqCh and then waits for a reply on respCh,
// returning false if ctx is canceled at either step.
func ReqResp[Req, Resp any](ctx context.Context, reqCh chan<- Req, req Req, respCh <-chan Resp) (Resp, bool) {
	if !Send(ctx, reqCh, req) {
		var zero Resp
		return zero, false
	}
	return Recv(ctx, respCh)
}
