package move

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"equinox/internal/domain"
	"equinox/internal/service/difficulty"
)

type Evaluator interface {
	Evaluate(ctx context.Context, position string, profile domain.DifficultyProfile) (domain.MoveResult, error)
}

type Restarter interface {
	Restart(ctx context.Context) error
}

type EventRecorder interface {
	Record(ctx context.Context, eventType domain.EventType, gameAccount string, payload map[string]interface{}) domain.Event
}

type Notifier interface {
	Notify(ctx context.Context, text string) error
}

const DefaultDeadline = 10 * time.Second

type Options struct {
	Deadline    time.Duration
	AutoRestart bool
	Logger      zerolog.Logger
}

// Service answers move requests. It keeps no per-request state; all
// serialization happens inside the Evaluator.
type Service struct {
	resolver *difficulty.Resolver
	engine   Evaluator
	journal  EventRecorder
	notifier Notifier
	opts     Options
	log      zerolog.Logger
}

func NewService(resolver *difficulty.Resolver, engine Evaluator, journal EventRecorder, notifier Notifier, opts Options) *Service {
	if opts.Deadline <= 0 {
		opts.Deadline = DefaultDeadline
	}
	return &Service{
		resolver: resolver,
		engine:   engine,
		journal:  journal,
		notifier: notifier,
		opts:     opts,
		log:      opts.Logger.With().Str("component", "move").Logger(),
	}
}

func (s *Service) Deadline() time.Duration {
	return s.opts.Deadline
}

// GetAIMove validates the request, resolves the tier and asks the engine for
// a move within the configured deadline. Returned errors always carry a
// domain.Kind.
func (s *Service) GetAIMove(ctx context.Context, fen, tier string) (domain.MoveResult, error) {
	position, err := ValidatePosition(fen)
	if err != nil {
		return domain.MoveResult{}, err
	}
	t, err := difficulty.ParseTier(tier)
	if err != nil {
		return domain.MoveResult{}, err
	}
	profile, err := s.resolver.Resolve(t)
	if err != nil {
		return domain.MoveResult{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.Deadline)
	defer cancel()
	started := time.Now()
	res, err := s.engine.Evaluate(ctx, position, profile)
	elapsed := time.Since(started)
	if err != nil {
		err = normalize(err)
		kind := domain.KindOf(err)
		s.log.Warn().Err(err).Str("kind", string(kind)).Str("difficulty", string(t)).Dur("elapsed", elapsed).Msg("move request failed")
		s.record(domain.EventMoveRejected, map[string]interface{}{
			"difficulty": t,
			"kind":       kind,
			"elapsed_ms": elapsed.Milliseconds(),
		})
		return domain.MoveResult{}, err
	}
	s.log.Info().Str("request_id", res.RequestID).Str("difficulty", string(t)).Str("move", res.Move).Dur("elapsed", elapsed).Msg("move suggested")
	s.record(domain.EventMoveSuggested, map[string]interface{}{
		"request_id": res.RequestID,
		"difficulty": t,
		"move":       res.Move,
		"elapsed_ms": elapsed.Milliseconds(),
	})
	return res, nil
}

// HandleEngineBroken is installed as the engine session's break hook. It
// records the failure, tells operators and, when enabled, restarts the
// session. The failed request itself is never retried.
func (s *Service) HandleEngineBroken(r Restarter, cause error) {
	ctx := context.Background()
	s.record(domain.EventEngineFailed, map[string]interface{}{"error": cause.Error()})
	s.notify(ctx, fmt.Sprintf("Engine session broken: %v", cause))
	if !s.opts.AutoRestart || r == nil {
		return
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return struct{}{}, r.Restart(rctx)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(3))
	if err != nil {
		s.log.Error().Err(err).Msg("engine restart failed")
		s.notify(ctx, fmt.Sprintf("Engine restart failed: %v", err))
		return
	}
	s.log.Info().Msg("engine session restarted")
	s.record(domain.EventEngineRestarted, map[string]interface{}{"source": "auto"})
}

func (s *Service) record(eventType domain.EventType, payload map[string]interface{}) {
	if s.journal == nil {
		return
	}
	s.journal.Record(context.Background(), eventType, "", payload)
}

func (s *Service) notify(ctx context.Context, text string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, text); err != nil {
		s.log.Warn().Err(err).Msg("operator notification failed")
	}
}

// normalize guarantees a domain kind on every error leaving the service.
func normalize(err error) error {
	if domain.KindOf(err) != "" {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return domain.E(domain.KindEngineTimeout, "get ai move", "search deadline exceeded", err)
	}
	return domain.E(domain.KindEngineProcess, "get ai move", "", err)
}
