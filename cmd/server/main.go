package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"

	"equinox/internal/config"
	"equinox/internal/domain"
	"equinox/internal/engine"
	apphttp "equinox/internal/http"
	"equinox/internal/integrations/telegram"
	"equinox/internal/integrations/webhook"
	"equinox/internal/ledger"
	"equinox/internal/security/secretbox"
	"equinox/internal/service/difficulty"
	"equinox/internal/service/journal"
	"equinox/internal/service/move"
	storepkg "equinox/internal/store"
	"equinox/internal/store/memory"
	"equinox/internal/store/postgres"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "equinox").Logger()
	if err := config.LoadDotEnv(".env"); err != nil {
		logger.Warn().Err(err).Msg("failed to load .env")
	}
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	if cfg.LogPretty {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		logger = logger.Level(lvl)
	}

	var st storepkg.Store
	if cfg.StoreMode == "postgres" && cfg.DatabaseURL != "" {
		pgStore, err := postgres.NewStore(cfg.DatabaseURL)
		if err != nil {
			logger.Warn().Err(err).Msg("postgres store unavailable, falling back to memory store")
			st = memory.NewStore(cfg.MaxEvents)
		} else {
			defer pgStore.Close()
			st = pgStore
		}
	} else {
		st = memory.NewStore(cfg.MaxEvents)
	}

	notifier := telegram.NewNotifier(cfg.TelegramBotToken, cfg.TelegramChatID)
	publisher := webhook.NewClient(
		cfg.WebhookURL,
		cfg.WebhookTimeout,
		cfg.WebhookMaxRetries,
		cfg.WebhookRetryBase,
		cfg.WebhookRetryMax,
	)
	events := journal.New(st, publisher, cfg.WebhookTimeout, logger)

	var (
		moves   *move.Service
		session *engine.Session
	)
	session = engine.NewSession(engine.ExecLauncher(cfg.EnginePath, cfg.EngineArgs...), engine.Options{
		QueueSize:        cfg.EngineQueueSize,
		StartTimeout:     cfg.EngineStartTimeout,
		ConfigureTimeout: cfg.EngineConfigureTimeout,
		DrainTimeout:     cfg.EngineDrainTimeout,
		Logger:           logger,
		OnBroken: func(err error) {
			moves.HandleEngineBroken(session, err)
		},
	})
	resolver := difficulty.NewResolver(cfg.Profiles)
	moves = move.NewService(resolver, session, events, notifier, move.Options{
		Deadline:    cfg.MoveDeadline,
		AutoRestart: cfg.EngineAutoRestart,
		Logger:      logger,
	})

	startCtx, cancelStart := context.WithTimeout(context.Background(), cfg.EngineStartTimeout+time.Second)
	if err := session.Start(startCtx); err != nil {
		// The service still answers health checks; operators restart the
		// engine through /engine/restart once the binary is fixed.
		logger.Error().Err(err).Str("engine", cfg.EnginePath).Msg("engine failed to start")
	} else if cfg.WarmupTier != "" {
		warmup(session, resolver, cfg.WarmupTier, cfg.EngineConfigureTimeout+time.Second, logger)
	}
	cancelStart()
	defer session.Close()

	var submitter apphttp.Submitter
	if cfg.LedgerEnabled {
		sub, err := buildSubmitter(cfg, st, events, notifier, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("ledger setup failed")
		}
		logger.Info().Str("authority", sub.Authority().String()).Str("rpc", cfg.SolanaRPCURL).Msg("ledger submission enabled")
		submitter = sub
	}

	srv := apphttp.NewServer(cfg, st, moves, submitter, session, logger)

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.MoveDeadline + cfg.LedgerConfirmTimeout*time.Duration(cfg.LedgerMaxAttempts) + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("equinox move service listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
}

// warmup applies a difficulty profile ahead of the first request so its
// option round-trip is not paid by a caller. Failure only costs that.
func warmup(session *engine.Session, resolver *difficulty.Resolver, tier domain.Tier, timeout time.Duration, logger zerolog.Logger) {
	profile, err := resolver.Resolve(tier)
	if err != nil {
		logger.Warn().Err(err).Str("tier", string(tier)).Msg("engine warmup skipped")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := session.Configure(ctx, profile); err != nil {
		logger.Warn().Err(err).Str("tier", string(tier)).Msg("engine warmup failed")
		return
	}
	logger.Info().Str("tier", string(tier)).Msg("engine warmed up")
}

func buildSubmitter(cfg config.Config, st storepkg.Store, events *journal.Journal, notifier *telegram.Notifier, logger zerolog.Logger) (*ledger.Submitter, error) {
	program, err := ledger.LoadProgram(cfg.ProgramID, cfg.ProgramIDLPath)
	if err != nil {
		return nil, err
	}
	chain, err := ledger.NewRPCChain(cfg.SolanaRPCURL, program, cfg.SolanaCommitment)
	if err != nil {
		return nil, err
	}
	key, err := loadAuthority(cfg)
	if err != nil {
		return nil, err
	}
	return ledger.NewSubmitter(chain, program, ledger.NewKeySigner(key), st, events, notifier, ledger.Options{
		MaxAttempts:     cfg.LedgerMaxAttempts,
		ConfirmTimeout:  cfg.LedgerConfirmTimeout,
		PollInterval:    cfg.LedgerPollInterval,
		RetryBase:       cfg.LedgerRetryBase,
		RetryMax:        cfg.LedgerRetryMax,
		DefaultEscrow:   cfg.DefaultEscrow,
		DefaultTreasury: cfg.DefaultTreasury,
		Logger:          logger,
	}), nil
}

func loadAuthority(cfg config.Config) (solana.PrivateKey, error) {
	switch {
	case cfg.AuthorityKeySealed != "":
		box, err := secretbox.New(cfg.AuthoritySealKey)
		if err != nil {
			return nil, err
		}
		raw, err := box.Open(cfg.AuthorityKeySealed)
		if err != nil {
			return nil, err
		}
		return ledger.ParseAuthority(raw)
	case cfg.AuthorityKeypairPath != "":
		return ledger.LoadAuthorityFile(cfg.AuthorityKeypairPath)
	case strings.TrimSpace(cfg.AuthorityKey) != "":
		return ledger.ParseAuthority(cfg.AuthorityKey)
	}
	return nil, errors.New("no authority key configured: set AUTHORITY_KEY, AUTHORITY_KEYPAIR_PATH or AUTHORITY_KEY_SEALED")
}
