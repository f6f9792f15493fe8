// Package actor serializes all work against a single session onto one
// goroutine. Operations submitted from any number of callers run
// strictly in arrival order, which is what makes session state
// single-writer without fine-grained locking.
package actor

import (
	"context"
	"errors"
	"sync"
)

// ErrStopped is returned when submitting to an actor that has shut down.
var ErrStopped = errors.New("actor stopped")

const defaultMailboxSize = 64

type message struct {
	fn   func(ctx context.Context) error
	done chan error
}

// Actor owns one session's mailbox. Messages execute FIFO on a single
// goroutine; Do blocks the caller until its message has run.
type Actor struct {
	id      string
	mailbox chan message

	stopOnce sync.Once
	stopped  chan struct{}
	drained  chan struct{}
}

// New starts an actor for the given session id.
func New(id string) *Actor {
	a := &Actor{
		id:      id,
		mailbox: make(chan message, defaultMailboxSize),
		stopped: make(chan struct{}),
		drained: make(chan struct{}),
	}
	go a.run()
	return a
}

// ID returns the session id this actor serves.
func (a *Actor) ID() string { return a.id }

func (a *Actor) run() {
	defer close(a.drained)
	for {
		select {
		case <-a.stopped:
			// Drain anything already enqueued so no caller hangs.
			for {
				select {
				case msg := <-a.mailbox:
					msg.done <- ErrStopped
				default:
					return
				}
			}
		case msg := <-a.mailbox:
			msg.done <- msg.fn(context.Background())
		}
	}
}

// Do runs fn on the actor goroutine and returns its error. Messages
// from concurrent callers are executed one at a time in arrival order.
// The submitted fn must not call back into the same actor.
func (a *Actor) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	msg := message{
		fn:   fn,
		done: make(chan error, 1),
	}

	select {
	case <-a.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	case a.mailbox <- msg:
	}

	select {
	case err := <-msg.done:
		return err
	case <-ctx.Done():
		// The message may still run; the caller just stops waiting.
		return ctx.Err()
	}
}

// Stop shuts the actor down. Queued messages fail with ErrStopped; the
// call returns once the goroutine has exited.
func (a *Actor) Stop() {
	a.stopOnce.Do(func() { close(a.stopped) })
	<-a.drained
}
