package session

import (
	"sync"

	"github.com/pajbot/tweet-provider/internal/metrics"
	"github.com/pajbot/tweet-provider/internal/tweet"
)

// busCapacity is spec.md §5's "Bus capacity: 16 tweets" — the buffer depth
// of every subscriber channel.
const busCapacity = 16

// Subscriber is one session's receive end of the bus.
type Subscriber struct {
	ch chan tweet.Tweet
}

// Recv is the channel a session selects on for incoming tweets.
func (s *Subscriber) Recv() <-chan tweet.Tweet { return s.ch }

// Bus fans out tweets from the single upstream Consumer to every connected
// session. Slow subscribers lag rather than block the publisher: a full
// subscriber channel has its oldest buffered tweet dropped to make room,
// for that subscriber only, with a metered lag event, never a blocked
// Publish call.
type Bus struct {
	mu     sync.Mutex
	subs   map[*Subscriber]struct{}
	closed bool
	doneCh chan struct{}

	metrics *metrics.Registry
}

// NewBus builds an open Bus.
func NewBus(reg *metrics.Registry) *Bus {
	return &Bus{
		subs:    make(map[*Subscriber]struct{}),
		doneCh:  make(chan struct{}),
		metrics: reg,
	}
}

// Done is closed when the bus is closed, letting every Session's select
// loop notice "Bus closed" (spec.md §7) without a type assertion on a
// closed Recv channel.
func (b *Bus) Done() <-chan struct{} { return b.doneCh }

// Subscribe registers a new Subscriber. Returns nil if the bus is already
// closed; callers must check before using it.
func (b *Bus) Subscribe() *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	sub := &Subscriber{ch: make(chan tweet.Tweet, busCapacity)}
	b.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe removes a Subscriber. Safe to call more than once.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, sub)
}

// Publish fans t out to every current subscriber without blocking. A
// subscriber whose channel is full lags: per spec.md §4.6 it resumes at the
// newest available item, so the oldest buffered tweet is dropped to make
// room for t rather than t itself being dropped. A BusLagEvents is recorded
// per spec.md §7 "Bus lag on a session: logged, session continues."
func (b *Bus) Publish(t tweet.Tweet) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	delivered := false
	for sub := range b.subs {
		select {
		case sub.ch <- t:
			delivered = true
			continue
		default:
		}

		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- t:
			delivered = true
		default:
		}
		b.metrics.BusLagEvents.Inc()
	}
	if delivered {
		b.metrics.TweetsDelivered.Inc()
	}
}

// Close closes the bus. Every Session observes this via Done() and tears
// down with a graceful Close frame, per spec.md §7 "Bus closed: sessions
// send graceful Close and exit." Safe to call more than once.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.doneCh)
}
