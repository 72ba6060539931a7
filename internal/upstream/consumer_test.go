package upstream

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/pajbot/tweet-provider/internal/tweet"
)

type fakeClient struct {
	lines chan json.RawMessage
	errs  chan error
}

func newFakeClient() *fakeClient {
	return &fakeClient{lines: make(chan json.RawMessage, 8), errs: make(chan error, 1)}
}

func (f *fakeClient) Open(ctx context.Context, fids []uint64) (<-chan json.RawMessage, <-chan error) {
	return f.lines, f.errs
}

func tweetLine(idStr, authorIDStr string) json.RawMessage {
	return json.RawMessage(`{"id_str":"` + idStr + `","text":"x","created_at":"Mon Jan 02 15:04:05 +0000 2006","user":{"id_str":"` + authorIDStr + `","screen_name":"a","name":"A"}}`)
}

func TestRun_InvalidFollowSetPrecondition(t *testing.T) {
	client := newFakeClient()
	err := Run(context.Background(), client, nil, DefaultStallWindow, func(tweet.Tweet) {}, nil, zerolog.Nop())

	se, ok := err.(*StreamError)
	if !ok || se.Class != ClassUnspecific {
		t.Fatalf("expected a ClassUnspecific StreamError for an empty follow set, got %v", err)
	}
}

func TestRun_DropsUnfollowedAuthor(t *testing.T) {
	client := newFakeClient()
	received := make(chan tweet.Tweet, 1)
	drops := make(chan struct{}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, client, []uint64{10}, time.Hour, func(tw tweet.Tweet) { received <- tw }, func() { drops <- struct{}{} }, zerolog.Nop())
	}()

	client.lines <- tweetLine("1", "999") // author not followed: must be dropped
	client.lines <- tweetLine("2", "10")  // author followed: must reach the sink

	select {
	case <-drops:
	case <-time.After(time.Second):
		t.Fatal("expected onDrop to fire for the unfollowed author's tweet")
	}

	select {
	case tw := <-received:
		if tw.ID != 2 {
			t.Fatalf("expected tweet 2 to reach the sink, got %d", tw.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("expected the followed author's tweet to reach the sink")
	}

	cancel()
	<-done
}

func TestRun_StallTerminatesWithClassStall(t *testing.T) {
	client := newFakeClient()

	err := Run(context.Background(), client, []uint64{1}, 20*time.Millisecond, func(tweet.Tweet) {}, nil, zerolog.Nop())

	se, ok := err.(*StreamError)
	if !ok || se.Class != ClassStall {
		t.Fatalf("expected a ClassStall StreamError, got %v", err)
	}
}

func TestRun_ClassifiesStatusError(t *testing.T) {
	client := newFakeClient()
	client.errs <- newStatusError(420)

	err := Run(context.Background(), client, []uint64{1}, time.Hour, func(tweet.Tweet) {}, nil, zerolog.Nop())

	se, ok := err.(*StreamError)
	if !ok || se.Class != ClassRateLimited {
		t.Fatalf("expected a ClassRateLimited StreamError for status 420, got %v", err)
	}
}
