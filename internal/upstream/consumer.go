package upstream

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/pajbot/tweet-provider/internal/logging"
	"github.com/pajbot/tweet-provider/internal/tweet"
)

var errStreamClientClosedWithoutError = errors.New("stream client closed its error channel without sending an error")

// DefaultStallWindow is the §4.1 stall-detection timeout: if no message of
// any kind arrives within this window the Consumer terminates with
// ClassStall. config.Config.UpstreamStall defaults to this value.
const DefaultStallWindow = 90 * time.Second

// Sink receives every tweet whose author FID survived the §4.1 defensive
// filter. The Supervisor passes a wrapper that counts the tweet and then
// calls its broadcast bus's Publish method.
type Sink func(tweet.Tweet)

// Run opens one filtered stream over fids and reads from it until ctx is
// cancelled or a terminating condition is hit. It never returns nil: per
// spec.md §4.1 the Consumer never completes successfully, so the returned
// error is always a *StreamError describing why the run ended, including
// context cancellation (classified NetError, since the Supervisor treats
// a cancelled-by-us run the same as any other torn-down connection — the
// caller that cancelled already knows why). onDrop, if non-nil, is called
// once for every tweet the §4.1 defensive author-FID filter discards.
func Run(ctx context.Context, client StreamClient, fids []uint64, stallWindow time.Duration, sink Sink, onDrop func(), logger zerolog.Logger) error {
	defer logging.RecoverPanic(logger, "upstream.Consumer", map[string]any{"fids": len(fids)})

	if len(fids) < 1 || len(fids) > 5000 {
		return ErrInvalidFollowSet(len(fids))
	}

	follow := make(map[uint64]struct{}, len(fids))
	for _, f := range fids {
		follow[f] = struct{}{}
	}

	logger.Info().Int("follow_count", len(fids)).Msg("starting upstream consumer")

	lines, errs := client.Open(ctx, fids)

	stall := time.NewTimer(stallWindow)
	defer stall.Stop()

	for {
		select {
		case <-ctx.Done():
			return newNetError(ctx.Err())

		case <-stall.C:
			return newStallError()

		case err, ok := <-errs:
			if !ok {
				// Open's contract always sends exactly one error before
				// lines closes; a closed errs with no value is a bug in
				// the StreamClient, but we degrade to NetError rather
				// than panicking the Consumer over it.
				return newNetError(errStreamClientClosedWithoutError)
			}
			if se, ok := err.(*StreamError); ok {
				return se
			}
			return newUnspecificError(err)

		case raw, ok := <-lines:
			if !ok {
				// lines closed; the error that explains why is on errs.
				continue
			}
			if !stall.Stop() {
				<-stall.C
			}
			stall.Reset(stallWindow)

			t, isControl, isDisconnect, err := classify(raw)
			if err != nil {
				return newUnspecificError(err)
			}
			if isDisconnect {
				logger.Warn().Msg("upstream sent disconnect notice, continuing until the connection closes")
				continue
			}
			if isControl {
				continue
			}

			if _, wanted := follow[t.AuthorID]; !wanted {
				// Retweet-originator traffic or similar: upstream
				// includes it, we filter defensively per spec.md §4.1.
				if onDrop != nil {
					onDrop()
				}
				continue
			}

			sink(t)
		}
	}
}

