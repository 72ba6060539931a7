// Package acceptor owns the listening socket: it upgrades incoming
// connections to WebSocket, gates them through the resource guard, and
// spawns a Session per accepted connection, per spec.md §6/§7.
package acceptor

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/pajbot/tweet-provider/internal/logging"
	"github.com/pajbot/tweet-provider/internal/metrics"
	"github.com/pajbot/tweet-provider/internal/ratelimit"
	"github.com/pajbot/tweet-provider/internal/session"
	"github.com/pajbot/tweet-provider/internal/supervisor"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Acceptor binds the listener named in spec.md §6 and runs a session per
// accepted connection. A bind failure is fatal to the process (§7
// "Listener bind failure: fatal, process exits non-zero"); per-connection
// errors are logged and the accept loop continues.
type Acceptor struct {
	addr        string
	bus         *session.Bus
	submitDelta func(supervisor.Delta)
	onExit      func()
	guard       *ratelimit.Guard
	sessionCfg  session.Config
	metrics     *metrics.Registry
	logger      zerolog.Logger
}

// New builds an Acceptor. submitDelta is wired to Supervisor.Submit;
// onExit is wired to the process lifeline's Trip.
func New(addr string, bus *session.Bus, submitDelta func(supervisor.Delta), onExit func(), guard *ratelimit.Guard, sessionCfg session.Config, reg *metrics.Registry, logger zerolog.Logger) *Acceptor {
	return &Acceptor{
		addr:        addr,
		bus:         bus,
		submitDelta: submitDelta,
		onExit:      onExit,
		guard:       guard,
		sessionCfg:  sessionCfg,
		metrics:     reg,
		logger:      logger,
	}
}

// Run serves HTTP/WebSocket upgrade requests until ctx is cancelled.
// Returns an error only on bind failure; per-connection failures never
// propagate out.
func (a *Acceptor) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", a.handleUpgrade)

	srv := &http.Server{
		Addr:    a.addr,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info().Str("addr", a.addr).Msg("acceptor listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("acceptor listen: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		_ = srv.Close()
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (a *Acceptor) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if ok, reason := a.guard.Allow(); !ok {
		a.metrics.SessionsRejected.Inc()
		a.logger.Warn().Str("reason", reason).Str("remote", r.RemoteAddr).Msg("rejecting connection")
		http.Error(w, reason, http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	cid := supervisor.CID(r.RemoteAddr)
	s := session.New(conn, cid, a.bus, a.submitDelta, a.onExit, a.sessionCfg, a.metrics, a.logger)

	// Not r.Context(): that context is cancelled as soon as this handler
	// returns, which happens immediately since the session runs in its
	// own goroutine for the life of the connection.
	go func() {
		defer logging.RecoverPanic(a.logger, "acceptor.Session", map[string]any{"cid": string(cid)})
		s.Run(context.Background())
	}()
}
