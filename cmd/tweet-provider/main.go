// Command tweet-provider runs the relay: it consumes a filtered upstream
// tweet stream and republishes per-client projections over WebSocket, per
// spec.md.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/pajbot/tweet-provider/internal/acceptor"
	"github.com/pajbot/tweet-provider/internal/config"
	"github.com/pajbot/tweet-provider/internal/lifeline"
	"github.com/pajbot/tweet-provider/internal/logging"
	"github.com/pajbot/tweet-provider/internal/metrics"
	"github.com/pajbot/tweet-provider/internal/ratelimit"
	"github.com/pajbot/tweet-provider/internal/session"
	"github.com/pajbot/tweet-provider/internal/supervisor"
	"github.com/pajbot/tweet-provider/internal/upstream"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides TP_LOG_LEVEL)")
	flag.Parse()

	bootstrap := logging.New("info", "pretty")

	cfg, err := config.Load(&bootstrap)
	if err != nil {
		bootstrap.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	cfg.LogConfig(logger)

	reg := metrics.New()
	if cfg.MetricsAddr != "" {
		go func() {
			defer logging.RecoverPanic(logger, "main.metrics", nil)
			if err := reg.Serve(cfg.MetricsAddr, logger); err != nil {
				logger.Error().Err(err).Msg("metrics server exited")
			}
		}()
	}

	guard := ratelimit.New(ratelimit.Config{
		Burst:            cfg.ConnRateBurst,
		PerSec:           cfg.ConnRatePerSec,
		CPURejectPercent: cfg.CPURejectPercent,
	}, logger)

	bus := session.NewBus(reg)

	streamClient := upstream.NewHTTPStreamClient(
		cfg.UpstreamBaseURL,
		cfg.ConsumerKey,
		cfg.ConsumerSecret,
		cfg.AccessToken,
		cfg.AccessTokenSecret,
	)

	sup := supervisor.New(streamClient, cfg.AlwaysRestart, cfg.DebouncePeriod, cfg.UpstreamStall, reg, logger, bus.Publish)

	line := lifeline.New()

	sessionCfg := session.Config{
		SessionStall:      cfg.SessionStall,
		HeartbeatPeriod:   cfg.HeartbeatPeriod,
		DebugBroadcastAll: cfg.DebugBroadcastAll,
	}
	acc := acceptor.New(cfg.ListenAddr, bus, sup.Submit, line.Trip, guard, sessionCfg, reg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	supervisorDone := make(chan struct{})
	go func() {
		defer close(supervisorDone)
		sup.Run(ctx)
	}()

	acceptorDone := make(chan error, 1)
	go func() {
		defer logging.RecoverPanic(logger, "main.acceptor", nil)
		acceptorDone <- acc.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	exitCode := 0
	select {
	case <-sigCh:
		logger.Info().Msg("received OS interrupt, shutting down")
	case <-line.Done():
		logger.Info().Msg("lifeline tripped by client exit, shutting down")
	case <-supervisorDone:
		logger.Error().Msg("supervisor terminated, shutting down")
	case err := <-acceptorDone:
		if err != nil {
			logger.Error().Err(err).Msg("acceptor terminated, shutting down")
			exitCode = 1
		}
	}

	bus.Close()
	cancel()
	<-supervisorDone

	logger.Info().Msg("shutdown complete")
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}
