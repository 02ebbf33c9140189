package progress

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/dealscan/internal/deal"
)

// ErrPollTimeout is returned by Bridge.Next when nothing arrived in time.
var ErrPollTimeout = errors.New("bridge poll timeout")

// DefaultPollInterval bounds each consumer wait so cancellation is noticed
// even when producers are silent.
const DefaultPollInterval = 500 * time.Millisecond

// Canceler is the run cancellation flag as seen by the consumer loop.
type Canceler interface {
	Cancel()
	Cancelled() bool
}

// Bridge is an unbounded FIFO that carries stream messages from many
// producer goroutines to one consumer. Publish never blocks.
type Bridge struct {
	mu     sync.Mutex
	queue  []Message
	notify chan struct{}
	closed bool
}

// NewBridge returns an empty bridge.
func NewBridge() *Bridge {
	return &Bridge{notify: make(chan struct{}, 1)}
}

// Publish appends msg. It reports false once the bridge is closed.
func (b *Bridge) Publish(msg Message) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	b.queue = append(b.queue, msg)
	b.mu.Unlock()
	b.wake()
	return true
}

// Signal pushes the poison pill so a blocked consumer wakes immediately and
// rechecks its cancellation flag. It works on a closed bridge too.
func (b *Bridge) Signal() {
	b.mu.Lock()
	b.queue = append(b.queue, Message{Type: typeCancelSignal})
	b.mu.Unlock()
	b.wake()
}

func (b *Bridge) wake() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Close rejects further Publish calls. Queued messages stay readable.
func (b *Bridge) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}

// Len reports the number of queued messages, pills included.
func (b *Bridge) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Next pops the oldest message, waiting at most timeout. It returns
// ErrPollTimeout when the wait expires and the ctx error when ctx ends.
func (b *Bridge) Next(ctx context.Context, timeout time.Duration) (Message, error) {
	if msg, ok := b.pop(); ok {
		return msg, nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-b.notify:
			if msg, ok := b.pop(); ok {
				return msg, nil
			}
		case <-timer.C:
			if msg, ok := b.pop(); ok {
				return msg, nil
			}
			return Message{}, ErrPollTimeout
		case <-ctx.Done():
			return Message{}, fmt.Errorf("bridge receive: %w", ctx.Err())
		}
	}
}

func (b *Bridge) pop() (Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return Message{}, false
	}
	msg := b.queue[0]
	b.queue[0] = Message{}
	b.queue = b.queue[1:]
	if len(b.queue) > 0 {
		// Keep the notify slot primed for the next Next call.
		select {
		case b.notify <- struct{}{}:
		default:
		}
	}
	return msg, true
}

// IsSignal reports whether msg is the poison pill.
func (m Message) IsSignal() bool { return m.Type == typeCancelSignal }

// ConsumeOptions tunes the consumer loop.
type ConsumeOptions struct {
	PollInterval time.Duration
	// OnCancel runs once when the loop exits because of cancellation or a
	// failed yield. It is where owned resources get force-closed.
	OnCancel func()
}

// Consume forwards bridge messages to yield in receipt order until a
// terminal message has been yielded. The poison pill is never forwarded.
// Cancellation, a ctx that ends, or a yield error (the caller went away) all
// signal tok and run OnCancel before returning.
func Consume(ctx context.Context, b *Bridge, tok Canceler, opts ConsumeOptions, yield func(Message) error) error {
	poll := opts.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	var cancelOnce sync.Once
	abort := func() {
		cancelOnce.Do(func() {
			tok.Cancel()
			if opts.OnCancel != nil {
				opts.OnCancel()
			}
		})
	}
	for {
		if tok.Cancelled() {
			abort()
			return deal.ErrCanceled
		}
		msg, err := b.Next(ctx, poll)
		switch {
		case errors.Is(err, ErrPollTimeout):
			continue
		case err != nil:
			abort()
			return deal.Canceled(err)
		}
		if msg.IsSignal() {
			continue
		}
		// A result that lost the race with cancellation is discarded.
		if tok.Cancelled() {
			continue
		}
		if err := yield(msg); err != nil {
			abort()
			return fmt.Errorf("yield %s: %w", msg.Type, err)
		}
		if msg.Terminal() {
			return nil
		}
	}
}
