package transport

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrNoSubscriber is returned by Loopback.Publish for an unknown subscriber.
var ErrNoSubscriber = errors.New("no such subscriber")

// Loopback is an in-process Publisher which delivers Messages over per-
// subscriber buffered channels. It's used by tests and by hosts which embed
// the observer core directly.
type Loopback struct {
	mu     sync.Mutex
	buffer int
	subs   map[string]chan Message
}

// NewLoopback returns a Loopback with per-subscriber channel capacity |buffer|.
func NewLoopback(buffer int) *Loopback {
	return &Loopback{
		buffer: buffer,
		subs:   make(map[string]chan Message),
	}
}

// Attach registers |subscriber| and returns its receive channel. If the
// subscriber is already attached, its existing channel is returned.
func (l *Loopback) Attach(subscriber string) <-chan Message {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ch, ok := l.subs[subscriber]; ok {
		return ch
	}
	var ch = make(chan Message, l.buffer)
	l.subs[subscriber] = ch
	return ch
}

// Detach removes |subscriber| and closes its channel. It's a no-op if the
// subscriber isn't attached.
func (l *Loopback) Detach(subscriber string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ch, ok := l.subs[subscriber]; ok {
		delete(l.subs, subscriber)
		close(ch)
	}
}

// Publish delivers |msg| to |subscriber|, dropping the Message if the
// subscriber's channel is full.
func (l *Loopback) Publish(subscriber string, msg Message) error {
	l.mu.Lock()
	var ch, ok = l.subs[subscriber]
	l.mu.Unlock()

	if !ok {
		return errors.WithMessagef(ErrNoSubscriber, "publishing to %q", subscriber)
	}
	select {
	case ch <- msg:
		return nil
	default:
		return errors.Errorf("subscriber %q channel is full (message dropped)", subscriber)
	}
}
