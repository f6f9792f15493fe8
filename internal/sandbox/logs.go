package sandbox

import (
	"context"
	"sync"
)

// subscriberBuffer is the per-subscriber line buffer. When a consumer
// falls this far behind, further lines are dropped for that consumer
// only.
const subscriberBuffer = 256

// LogBroker fans log lines out to any number of subscribers. Delivery
// is lossy per subscriber: publishing never blocks.
type LogBroker struct {
	mu   sync.Mutex
	subs map[chan string]struct{}
	done bool
}

// NewLogBroker creates an empty broker.
func NewLogBroker() *LogBroker {
	return &LogBroker{subs: make(map[chan string]struct{})}
}

// Publish delivers a line to every subscriber, dropping it for any
// whose buffer is full.
func (b *LogBroker) Publish(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return
	}
	for ch := range b.subs {
		select {
		case ch <- line:
		default:
		}
	}
}

// Subscribe registers a consumer. The returned channel closes when ctx
// is done or the broker closes.
func (b *LogBroker) Subscribe(ctx context.Context) <-chan string {
	ch := make(chan string, subscriberBuffer)

	b.mu.Lock()
	if b.done {
		b.mu.Unlock()
		close(ch)
		return ch
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}()
	return ch
}

// Close terminates all subscriptions.
func (b *LogBroker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return
	}
	b.done = true
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
}
