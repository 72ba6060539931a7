package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pajbot/tweet-provider/internal/logging"
	"github.com/pajbot/tweet-provider/internal/metrics"
	"github.com/pajbot/tweet-provider/internal/tweet"
	"github.com/pajbot/tweet-provider/internal/upstream"
)

// consumerResult is what a Consumer goroutine reports on completion; it
// always carries a non-nil error per upstream.Run's contract.
type consumerResult struct {
	generation uint64
	err        *upstream.StreamError
}

// Supervisor is the single-writer event loop of spec.md §4.2: it owns the
// interest map and the lifecycle of the one upstream Consumer that may
// exist at any instant — a single goroutine, select over named channels,
// no shared mutable state touched outside that goroutine.
type Supervisor struct {
	streamClient  upstream.StreamClient
	alwaysRestart bool
	debounce      time.Duration
	stallWindow   time.Duration
	metrics       *metrics.Registry
	logger        zerolog.Logger
	sink          upstream.Sink

	deltaCh chan Delta
	doneCh  chan consumerResult

	interests *interestMap

	// Consumer lifecycle. generation guards against a stale completion
	// report from a Consumer we already cancelled and replaced.
	cancelRunning context.CancelFunc
	generation    uint64
	running       bool

	backingOff bool
	backoff    uint32

	restartTimer *time.Timer
	restartC     <-chan time.Time // nil when no timer armed

	wg sync.WaitGroup
}

// New builds a Supervisor. sink receives every tweet the Consumer admits
// past its defensive author-FID filter; callers wire it to the session
// bus's Publish method. debounce is spec.md §4.2's "10 seconds from now"
// restart debounce window and stallWindow is §4.1's stall-detection
// timeout, both sourced from config.Config.
func New(streamClient upstream.StreamClient, alwaysRestart bool, debounce, stallWindow time.Duration, reg *metrics.Registry, logger zerolog.Logger, sink upstream.Sink) *Supervisor {
	return &Supervisor{
		streamClient:  streamClient,
		alwaysRestart: alwaysRestart,
		debounce:      debounce,
		stallWindow:   stallWindow,
		metrics:       reg,
		logger:        logger,
		sink:          sink,
		deltaCh:       make(chan Delta, 64),
		doneCh:        make(chan consumerResult, 1),
		interests:     newInterestMap(),
	}
}

// Submit enqueues a client interest delta. Safe to call from any goroutine;
// the Acceptor/Session layer is the only caller.
func (s *Supervisor) Submit(d Delta) {
	s.deltaCh <- d
}

// Run is the event loop body. It blocks until ctx is cancelled, tearing
// down any running Consumer before returning.
func (s *Supervisor) Run(ctx context.Context) {
	defer logging.RecoverPanic(s.logger, "supervisor.Supervisor", nil)

	s.logger.Info().Msg("supervisor starting")

	for {
		select {
		case <-ctx.Done():
			s.stopTimer()
			if s.cancelRunning != nil {
				s.cancelRunning()
			}
			s.wg.Wait()
			s.logger.Info().Msg("supervisor stopped")
			return

		case d := <-s.deltaCh:
			s.handleDelta(d)

		case res := <-s.doneCh:
			s.handleConsumerDone(res)

		case <-s.restartC:
			s.handleRestartFired(ctx)
		}
	}
}

func (s *Supervisor) handleDelta(d Delta) {
	grew, shrunk, becameEmpty := s.interests.applyDelta(d)
	s.metrics.InterestMapSize.Set(float64(s.interests.size()))

	requiresRestart := grew
	if s.running && becameEmpty {
		requiresRestart = true
	}
	if s.alwaysRestart && shrunk {
		requiresRestart = true
	}

	if !requiresRestart {
		return
	}
	if s.backingOff {
		// A backoff-scheduled restart is already armed; it will pick up
		// this edit's effect on the interest map when it fires (§4.2
		// "Ordering guarantees").
		return
	}

	s.armTimer(s.debounce)
}

func (s *Supervisor) handleConsumerDone(res consumerResult) {
	if res.generation != s.generation {
		// Stale report from a Consumer we already cancelled for a
		// different reason; ignore.
		return
	}

	s.running = false
	s.metrics.ConsumerRunning.Set(0)
	s.metrics.ConsumerRestarts.WithLabelValues(string(res.err.Class)).Inc()

	delay, nextBackoff := upstream.Delay(res.err.Class, s.backoff)
	s.backoff = nextBackoff
	s.metrics.BackoffExponent.Set(float64(s.backoff))
	s.backingOff = true

	s.logger.Error().
		Str("error_class", string(res.err.Class)).
		Dur("delay", delay).
		Uint32("backoff", s.backoff).
		Err(res.err).
		Msg("consumer terminated, scheduling restart")

	s.armTimer(delay)
}

func (s *Supervisor) handleRestartFired(ctx context.Context) {
	s.restartC = nil

	if s.cancelRunning != nil {
		s.cancelRunning()
		s.wg.Wait()
		s.cancelRunning = nil
		// The cancelled Consumer's completion report is stale from here on.
		s.generation++
	}

	if s.interests.size() == 0 {
		s.running = false
		s.backingOff = false
		s.metrics.ConsumerRunning.Set(0)
		s.logger.Info().Msg("interest map empty, not starting a consumer")
		return
	}

	fids := s.interests.keys()
	s.backingOff = false

	cctx, cancel := context.WithCancel(ctx)
	s.cancelRunning = cancel
	s.generation++
	gen := s.generation
	s.running = true
	s.metrics.ConsumerRunning.Set(1)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := upstream.Run(cctx, s.streamClient, fids, s.stallWindow, s.wrapSink(), s.metrics.TweetsDropped.Inc, s.logger)
		se, ok := err.(*upstream.StreamError)
		if !ok {
			se = &upstream.StreamError{Class: upstream.ClassUnspecific, Err: err}
		}
		select {
		case s.doneCh <- consumerResult{generation: gen, err: se}:
		case <-ctx.Done():
		}
	}()
}

func (s *Supervisor) wrapSink() upstream.Sink {
	return func(t tweet.Tweet) {
		s.metrics.TweetsConsumed.Inc()
		s.sink(t)
	}
}

func (s *Supervisor) armTimer(d time.Duration) {
	s.stopTimer()
	s.restartTimer = time.NewTimer(d)
	s.restartC = s.restartTimer.C
}

func (s *Supervisor) stopTimer() {
	if s.restartTimer == nil {
		return
	}
	if !s.restartTimer.Stop() {
		select {
		case <-s.restartTimer.C:
		default:
		}
	}
	s.restartTimer = nil
	s.restartC = nil
}
