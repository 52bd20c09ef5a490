// Package async implements a simple one-shot Promise API.
package async

import (
	"context"
)

// Promise is a one-shot broadcast notification primitive for asynchronous
// events. The nil Promise is valid and behaves as already-resolved, which
// allows hosts to disable cooperative blocking entirely.
type Promise chan struct{}

// NewPromise returns an unresolved Promise.
func NewPromise() Promise {
	return make(Promise)
}

// Resolve wakes all clients currently waiting on the Promise. It must be
// called at most once.
func (p Promise) Resolve() {
	if p != nil {
		close(p)
	}
}

// Wait synchronously blocks until the Promise is resolved.
func (p Promise) Wait() {
	if p != nil {
		<-p
	}
}

// WaitContext blocks until the Promise is resolved or |ctx| is done,
// returning the context error in the latter case.
func (p Promise) WaitContext(ctx context.Context) error {
	if p == nil {
		return nil
	}
	select {
	case <-p:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel which is closed when the Promise is resolved.
// A nil Promise returns a closed channel.
func (p Promise) Done() <-chan struct{} {
	if p == nil {
		return closedCh
	}
	return p
}

var closedCh = func() chan struct{} {
	var ch = make(chan struct{})
	close(ch)
	return ch
}()
