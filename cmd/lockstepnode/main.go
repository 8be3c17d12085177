package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/execution-hub/lockstep/internal/config"
	"github.com/execution-hub/lockstep/internal/infrastructure/journal"
	"github.com/execution-hub/lockstep/internal/infrastructure/sse"
	"github.com/execution-hub/lockstep/internal/infrastructure/wsnet"
	"github.com/execution-hub/lockstep/internal/lockstep/api"
	"github.com/execution-hub/lockstep/internal/lockstep/coordinator"
	"github.com/execution-hub/lockstep/internal/lockstep/protocol"
)

const (
	dialRetries    = 30
	dialRetryDelay = time.Second
)

// logSimulation stands in for a game: it records every applied turn.
type logSimulation struct {
	logger zerolog.Logger
}

func (s logSimulation) ApplyTurn(turn protocol.Turn, cmds []protocol.Command) error {
	s.logger.Debug().Int64("turn", int64(turn)).Int("commands", len(cmds)).Msg("turn applied")
	return nil
}

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("config error")
	}
	logger = logger.Level(cfg.Level())

	cc, err := cfg.Coordinator()
	if err != nil {
		logger.Fatal().Err(err).Msg("config error")
	}

	var (
		opts  []coordinator.Option
		store *journal.Journal
	)
	if cfg.JournalPath != "" {
		store, err = journal.Open(cfg.JournalPath)
		if err != nil {
			logger.Fatal().Err(err).Str("path", cfg.JournalPath).Msg("open journal")
		}
		defer func() {
			_ = store.Close()
		}()
		opts = append(opts, coordinator.WithJournal(store))
	}

	sim := logSimulation{logger: logger.With().Str("component", "simulation").Logger()}
	apiOpts := api.Options{}
	if store != nil {
		apiOpts.Journal = store
	}

	var (
		session *coordinator.Coordinator
		client  *wsnet.Client
	)
	switch cc.Role {
	case coordinator.RoleAuthority:
		hub := wsnet.NewHub(logger)
		defer hub.Close()
		session, err = coordinator.New(cc, hub, sim, logger, opts...)
		if err != nil {
			logger.Fatal().Err(err).Msg("create coordinator")
		}
		hub.Bind(session)
		apiOpts.WebSocket = hub.ServeWS
		if store != nil {
			if err := store.Bind(session.SessionID()); err != nil {
				logger.Fatal().Err(err).Str("path", cfg.JournalPath).Msg("journal session check failed")
			}
		}
	default:
		client = wsnet.NewClient(cc.Faction, logger)
		defer client.Close()
		session, err = coordinator.New(cc, client, sim, logger, opts...)
		if err != nil {
			logger.Fatal().Err(err).Msg("create coordinator")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if client != nil {
		if err := dialAuthority(ctx, client, cfg.AuthorityURL, session, logger); err != nil {
			logger.Fatal().Err(err).Str("authority_url", cfg.AuthorityURL).Msg("connect to authority")
		}
		if err := session.RequestValidation(ctx); err != nil {
			logger.Fatal().Err(err).Msg("validation request failed")
		}
	}

	apiServer := api.NewServer(session, sse.NewHub(), apiOpts, logger)
	go apiServer.Run(ctx)
	go runTicks(ctx, session, cfg.TickInterval, logger)

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      apiServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info().
			Str("addr", cfg.HTTPAddr).
			Str("role", cc.Role.String()).
			Int("faction", int(cc.Faction)).
			Str("session_id", session.SessionID()).
			Msg("lockstep http listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
}

func dialAuthority(ctx context.Context, client *wsnet.Client, endpoint string, sink wsnet.Sink, logger zerolog.Logger) error {
	var lastErr error
	for i := 0; i < dialRetries; i++ {
		lastErr = client.Dial(ctx, endpoint, sink)
		if lastErr == nil {
			return nil
		}
		logger.Warn().Err(lastErr).Int("attempt", i+1).Msg("authority not reachable, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(dialRetryDelay):
		}
	}
	return lastErr
}

// runTicks drives the session clock with the wall time elapsed between ticks.
func runTicks(ctx context.Context, session *coordinator.Coordinator, interval time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			delta := now.Sub(last)
			last = now
			if err := session.Tick(ctx, delta); err != nil {
				logger.Error().Err(err).Msg("session halted, ticks stopped")
				return
			}
		}
	}
}
