package supervisor

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/pajbot/tweet-provider/internal/metrics"
	"github.com/pajbot/tweet-provider/internal/tweet"
	"github.com/pajbot/tweet-provider/internal/upstream"
)

// fakeStreamClient lets tests control exactly what Open returns and counts
// how many times (and with what follow sets) it was called, to assert I3
// (at most one Consumer at any instant) and the E1/E2 scenarios.
type fakeStreamClient struct {
	mu       sync.Mutex
	opens    [][]uint64
	openFunc func(ctx context.Context, fids []uint64) (<-chan json.RawMessage, <-chan error)
}

func (f *fakeStreamClient) Open(ctx context.Context, fids []uint64) (<-chan json.RawMessage, <-chan error) {
	f.mu.Lock()
	cp := append([]uint64(nil), fids...)
	f.opens = append(f.opens, cp)
	f.mu.Unlock()

	if f.openFunc != nil {
		return f.openFunc(ctx, fids)
	}

	lines := make(chan json.RawMessage)
	errs := make(chan error, 1)
	go func() {
		<-ctx.Done()
		errs <- upstream.ErrInvalidFollowSet(0) // arbitrary StreamError on cancel in tests
	}()
	return lines, errs
}

func (f *fakeStreamClient) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.opens)
}

func (f *fakeStreamClient) lastFollowSet() map[uint64]struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.opens) == 0 {
		return nil
	}
	return follows(f.opens[len(f.opens)-1]...)
}

func newTestSupervisor(client upstream.StreamClient, debounce time.Duration, sink upstream.Sink) (*Supervisor, *metrics.Registry) {
	reg := metrics.New()
	logger := zerolog.Nop()
	if sink == nil {
		sink = func(tweet.Tweet) {}
	}
	return New(client, false, debounce, upstream.DefaultStallWindow, reg, logger, sink), reg
}

// E1: two clients set disjoint single-FID interests; after the debounce
// exactly one Consumer is started, with the union as its follow set.
func TestSupervisor_E1_UnionFollowSet(t *testing.T) {
	client := &fakeStreamClient{}
	sup, _ := newTestSupervisor(client, 20*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	sup.Submit(Delta{CID: "a", Follows: follows(10)})
	sup.Submit(Delta{CID: "b", Follows: follows(20)})

	time.Sleep(100 * time.Millisecond)

	if got := client.openCount(); got != 1 {
		t.Fatalf("expected exactly one consumer start, got %d", got)
	}
	if !sameSet(client.lastFollowSet(), follows(10, 20)) {
		t.Fatalf("expected follow set {10,20}, got %v", client.lastFollowSet())
	}
}

// E2: a second edit arriving before the debounce fires coalesces into one
// restart carrying the final follow set.
func TestSupervisor_E2_DebounceCoalesces(t *testing.T) {
	client := &fakeStreamClient{}
	sup, _ := newTestSupervisor(client, 80*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	sup.Submit(Delta{CID: "a", Follows: follows(10)})
	time.Sleep(20 * time.Millisecond)
	sup.Submit(Delta{CID: "a", Follows: follows(10, 30)})

	time.Sleep(150 * time.Millisecond)

	if got := client.openCount(); got != 1 {
		t.Fatalf("expected the two edits to coalesce into one restart, got %d opens", got)
	}
	if !sameSet(client.lastFollowSet(), follows(10, 30)) {
		t.Fatalf("expected follow set {10,30}, got %v", client.lastFollowSet())
	}
}

// I3: at most one Consumer exists at any instant — asserted by recording
// each Open's context, so a second concurrent Open would be visible as
// overlapping opens without an intervening cancellation.
func TestSupervisor_I3_AtMostOneConsumer(t *testing.T) {
	var opened []context.Context
	var mu sync.Mutex
	client := &fakeStreamClient{
		openFunc: func(ctx context.Context, fids []uint64) (<-chan json.RawMessage, <-chan error) {
			mu.Lock()
			active := 1
			for _, prev := range opened {
				if prev.Err() == nil {
					active++
				}
			}
			opened = append(opened, ctx)
			if active > 1 {
				t.Errorf("more than one consumer active at once: %d", active)
			}
			mu.Unlock()

			lines := make(chan json.RawMessage)
			errs := make(chan error, 1)
			go func() {
				select {
				case <-ctx.Done():
				case <-time.After(30 * time.Millisecond):
				}
				errs <- upstream.ErrInvalidFollowSet(0)
			}()
			return lines, errs
		},
	}

	sup, _ := newTestSupervisor(client, 10*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	sup.Submit(Delta{CID: "a", Follows: follows(1)})
	time.Sleep(20 * time.Millisecond)
	sup.Submit(Delta{CID: "a", Follows: follows(1, 2)})

	time.Sleep(200 * time.Millisecond)
}

// I5: a BadStatus termination advances the backoff exponent, which is
// visible on BackoffExponent and does not decrease while the (5s) backoff
// restart is pending.
func TestSupervisor_I5_BackoffMonotonic(t *testing.T) {
	client := &fakeStreamClient{
		openFunc: func(ctx context.Context, fids []uint64) (<-chan json.RawMessage, <-chan error) {
			lines := make(chan json.RawMessage)
			errs := make(chan error, 1)
			errs <- &upstream.StreamError{Class: upstream.ClassBadStatus, Status: 500}
			return lines, errs
		},
	}

	sup, reg := newTestSupervisor(client, 5*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	sup.Submit(Delta{CID: "a", Follows: follows(1)})

	var prev float64
	for i := 0; i < 3; i++ {
		time.Sleep(30 * time.Millisecond)
		cur := testutil.ToFloat64(reg.BackoffExponent)
		if cur < prev {
			t.Fatalf("backoff exponent decreased: %v -> %v", prev, cur)
		}
		prev = cur
	}
	if prev == 0 {
		t.Fatal("expected backoff exponent to have advanced past 0 after a BadStatus termination")
	}
}
