package session

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/pajbot/tweet-provider/internal/logging"
	"github.com/pajbot/tweet-provider/internal/metrics"
	"github.com/pajbot/tweet-provider/internal/supervisor"
	"github.com/pajbot/tweet-provider/internal/tweet"
)

const (
	// writeWait bounds a single WriteMessage call.
	writeWait = 10 * time.Second

	// maxMessageSize caps one client→server frame; well above any
	// plausible FID-array payload.
	maxMessageSize = 64 * 1024

	// sendQueueCapacity is spec.md §6's "Send queue capacity per
	// session: 32 frames."
	sendQueueCapacity = 32
)

// Session is one accepted WebSocket connection's state machine, per
// spec.md §4.4: cooperative select over a WebSocket read pump, the bus,
// a heartbeat ticker, and an outbound send queue. The read pump runs in
// its own goroutine feeding channels; everything else is handled in one
// select loop.
type Session struct {
	conn *websocket.Conn
	cid  supervisor.CID

	bus               *Bus
	sub               *Subscriber
	submitDelta       func(supervisor.Delta)
	onExit            func()
	follows           map[uint64]struct{}
	debugBroadcastAll bool

	sessionStall    time.Duration
	heartbeatPeriod time.Duration

	send chan []byte

	metrics *metrics.Registry
	logger  zerolog.Logger
}

// Config bundles the tunables a Session needs beyond its connection and
// bus, sourced from config.Config.
type Config struct {
	SessionStall      time.Duration
	HeartbeatPeriod   time.Duration
	DebugBroadcastAll bool
}

// New builds a Session for an already-upgraded connection. cid is the
// connection's remote address, used as the interest map's subscriber key.
// onExit is called when the client sends {"type":"exit"}; the Acceptor
// wires it to the process lifeline.
func New(conn *websocket.Conn, cid supervisor.CID, bus *Bus, submitDelta func(supervisor.Delta), onExit func(), cfg Config, reg *metrics.Registry, logger zerolog.Logger) *Session {
	return &Session{
		conn:              conn,
		cid:               cid,
		bus:               bus,
		submitDelta:       submitDelta,
		onExit:            onExit,
		follows:           make(map[uint64]struct{}),
		debugBroadcastAll: cfg.DebugBroadcastAll,
		sessionStall:      cfg.SessionStall,
		heartbeatPeriod:   cfg.HeartbeatPeriod,
		send:              make(chan []byte, sendQueueCapacity),
		metrics:           reg,
		logger:            logger.With().Str("cid", string(cid)).Logger(),
	}
}

// Run drives the Session until the connection closes, stalls, the bus
// closes, or ctx is cancelled. On every exit path it emits one final empty-
// interest delta (spec.md I4) and closes the connection.
func (s *Session) Run(ctx context.Context) {
	defer logging.RecoverPanic(s.logger, "session.Session", map[string]any{"cid": string(s.cid)})
	defer s.teardown()

	s.sub = s.bus.Subscribe()
	if s.sub == nil {
		// Bus already closed; nothing to do.
		return
	}

	s.metrics.SessionsActive.Inc()
	s.metrics.SessionsTotal.Inc()
	defer s.metrics.SessionsActive.Dec()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(s.sessionStall))

	var lastNonce []byte
	s.conn.SetPongHandler(func(appData string) error {
		if lastNonce != nil && !bytes.Equal(lastNonce, []byte(appData)) {
			return fmt.Errorf("pong nonce mismatch")
		}
		s.conn.SetReadDeadline(time.Now().Add(s.sessionStall))
		return nil
	})

	readCh := make(chan ClientMessage, 1)
	readErrCh := make(chan error, 1)
	go s.readPump(readCh, readErrCh)

	heartbeat := time.NewTicker(s.heartbeatPeriod)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-s.bus.Done():
			s.writeClose(websocket.CloseInternalServerErr, "service was interrupted or encountered an error")
			return

		case err := <-readErrCh:
			if err != nil {
				s.logger.Debug().Err(err).Msg("session read ended")
			}
			return

		case msg := <-readCh:
			if msg.Kind == KindExit {
				s.logger.Info().Msg("client requested exit")
				if s.onExit != nil {
					s.onExit()
				}
				continue
			}
			s.handleClientMessage(msg)

		case t := <-s.sub.Recv():
			s.deliverTweet(t)

		case <-heartbeat.C:
			nonce := make([]byte, 8)
			_, _ = rand.Read(nonce)
			lastNonce = nonce
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteControl(websocket.PingMessage, nonce, time.Now().Add(writeWait)); err != nil {
				s.logger.Debug().Err(err).Msg("ping write failed")
				return
			}

		case frame := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.logger.Debug().Err(err).Msg("write failed")
				return
			}
		}
	}
}

// readPump blocks on ReadMessage in its own goroutine so the main select
// loop never calls a blocking WebSocket method directly.
func (s *Session) readPump(out chan<- ClientMessage, errs chan<- error) {
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			errs <- err
			return
		}

		msg, err := DecodeClientMessage(raw)
		if err != nil {
			frame, encErr := EncodeProtocolError(err.Error())
			if encErr == nil {
				select {
				case s.send <- frame:
				default:
				}
			}
			continue
		}
		out <- msg
	}
}

func (s *Session) handleClientMessage(msg ClientMessage) {
	switch msg.Kind {
	case KindSetSubscriptions:
		s.follows = toSet(msg.Follows)
	case KindInsertSubscriptions:
		for _, f := range msg.Follows {
			s.follows[f] = struct{}{}
		}
	case KindRemoveSubscriptions:
		for _, f := range msg.Follows {
			delete(s.follows, f)
		}
	}

	s.submitDelta(supervisor.Delta{CID: s.cid, Follows: cloneSet(s.follows)})

	ack, err := EncodeAck(setKeys(s.follows))
	if err != nil {
		return
	}
	select {
	case s.send <- ack:
	default:
		s.logger.Warn().Msg("send queue full, dropping ack")
	}
}

func (s *Session) deliverTweet(t tweet.Tweet) {
	if !s.debugBroadcastAll {
		if _, wanted := s.follows[t.AuthorID]; !wanted {
			return
		}
	}

	frame, err := EncodeTweet(tweet.NewProjection(t))
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to encode tweet projection")
		return
	}

	select {
	case s.send <- frame:
	default:
		s.logger.Warn().Msg("send queue full, dropping tweet")
	}
}

func (s *Session) writeClose(code int, text string) {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
}

// teardown emits the final empty-interest delta (spec.md I4), unsubscribes
// from the bus, and closes the connection. Always runs, on every exit
// path, via Run's defer.
func (s *Session) teardown() {
	s.submitDelta(supervisor.Delta{CID: s.cid, Follows: map[uint64]struct{}{}})
	if s.sub != nil {
		s.bus.Unsubscribe(s.sub)
	}
	_ = s.conn.Close()
}

func toSet(fids []uint64) map[uint64]struct{} {
	out := make(map[uint64]struct{}, len(fids))
	for _, f := range fids {
		out[f] = struct{}{}
	}
	return out
}

func cloneSet(in map[uint64]struct{}) map[uint64]struct{} {
	out := make(map[uint64]struct{}, len(in))
	for f := range in {
		out[f] = struct{}{}
	}
	return out
}

func setKeys(in map[uint64]struct{}) []uint64 {
	out := make([]uint64, 0, len(in))
	for f := range in {
		out = append(out, f)
	}
	return out
}
