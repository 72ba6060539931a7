package session

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pajbot/tweet-provider/internal/metrics"
	"github.com/pajbot/tweet-provider/internal/tweet"
)

func TestBus_PublishDeliversToAllSubscribers(t *testing.T) {
	reg := metrics.New()
	bus := NewBus(reg)

	subA := bus.Subscribe()
	subB := bus.Subscribe()

	bus.Publish(tweet.Tweet{ID: 1})

	select {
	case got := <-subA.Recv():
		if got.ID != 1 {
			t.Fatalf("subA got tweet %d, want 1", got.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("subA never received the tweet")
	}

	select {
	case got := <-subB.Recv():
		if got.ID != 1 {
			t.Fatalf("subB got tweet %d, want 1", got.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("subB never received the tweet")
	}
}

func TestBus_LagDropsOldestRatherThanBlocking(t *testing.T) {
	reg := metrics.New()
	bus := NewBus(reg)

	sub := bus.Subscribe()

	// Fill the subscriber's buffer (capacity busCapacity) without anyone
	// draining it, then publish more: Publish must not block, and per
	// spec.md §4.6 the subscriber resumes at the newest available item,
	// i.e. the oldest buffered tweets are the ones dropped.
	const extra = 5
	for i := 0; i < busCapacity+extra; i++ {
		bus.Publish(tweet.Tweet{ID: uint64(i)})
	}

	if lag := testutil.ToFloat64(reg.BusLagEvents); lag == 0 {
		t.Fatal("expected at least one lag event once the subscriber's buffer filled")
	}

	// The channel should hold exactly busCapacity buffered tweets, the
	// newest ones published, in order.
	drained := 0
	wantID := uint64(extra)
	for {
		select {
		case tw := <-sub.Recv():
			if tw.ID != wantID {
				t.Fatalf("expected tweet %d at position %d, got %d", wantID, drained, tw.ID)
			}
			wantID++
			drained++
		default:
			goto done
		}
	}
done:
	if drained != busCapacity {
		t.Fatalf("expected %d buffered tweets, drained %d", busCapacity, drained)
	}
}

func TestBus_CloseCascadesToSubscribers(t *testing.T) {
	reg := metrics.New()
	bus := NewBus(reg)

	bus.Subscribe()
	bus.Close()

	select {
	case <-bus.Done():
	default:
		t.Fatal("expected Done() to be closed after Close()")
	}

	if sub := bus.Subscribe(); sub != nil {
		t.Fatal("expected Subscribe to return nil once the bus is closed")
	}

	// Close is idempotent.
	bus.Close()
}
