package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"equinox/internal/domain"
)

type State string

const (
	StateStopped     State = "stopped"
	StateStarting    State = "starting"
	StateIdle        State = "idle"
	StateConfiguring State = "configuring"
	StateSearching   State = "searching"
	StateBroken      State = "broken"
)

var (
	errProcessExited = errors.New("engine process exited")
	errSessionClosed = errors.New("engine session closed")
)

type Options struct {
	QueueSize        int
	StartTimeout     time.Duration
	ConfigureTimeout time.Duration
	DrainTimeout     time.Duration
	Logger           zerolog.Logger
	// OnBroken runs in its own goroutine each time the session breaks.
	OnBroken func(err error)
}

type Status struct {
	State      State  `json:"state"`
	QueueDepth int    `json:"queue_depth"`
	LastError  string `json:"last_error,omitempty"`
}

// Session owns a single engine process and serializes every request against
// it through a FIFO queue drained by one worker goroutine. The worker is the
// only reader of engine output, so at most one request listens for a
// terminal event at any time.
type Session struct {
	launch Launcher
	opts   Options
	log    zerolog.Logger

	lifecycle sync.Mutex

	mu        sync.RWMutex
	state     State
	brokenErr error
	conn      Conn
	queue     chan *job
	stop      chan struct{}
	done      chan struct{}
}

func NewSession(launch Launcher, opts Options) *Session {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 16
	}
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = 5 * time.Second
	}
	if opts.ConfigureTimeout <= 0 {
		opts.ConfigureTimeout = 2 * time.Second
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 3 * time.Second
	}
	return &Session{
		launch: launch,
		opts:   opts,
		log:    opts.Logger.With().Str("component", "engine").Logger(),
		state:  StateStopped,
	}
}

type jobResult struct {
	move domain.MoveResult
	err  error
}

type job struct {
	ctx           context.Context
	req           domain.EngineRequest
	configureOnly bool
	result        chan jobResult
	once          sync.Once
}

func (j *job) finish(move domain.MoveResult, err error) {
	j.once.Do(func() {
		j.result <- jobResult{move: move, err: err}
	})
}

func (s *Session) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	return s.startLocked(ctx)
}

// Restart tears down the current process, failing anything still queued,
// and launches a new one. It is the only way out of StateBroken.
func (s *Session) Restart(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	s.closeLocked()
	return s.startLocked(ctx)
}

func (s *Session) Close() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	s.closeLocked()
	return nil
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Status{State: s.state, QueueDepth: len(s.queue)}
	if s.brokenErr != nil {
		st.LastError = s.brokenErr.Error()
	}
	return st
}

// Evaluate queues a search of position with profile applied and waits for
// its move. When ctx ends first the call returns ErrEngineTimeout at once;
// the worker discards the abandoned search before serving the next request.
func (s *Session) Evaluate(ctx context.Context, position string, profile domain.DifficultyProfile) (domain.MoveResult, error) {
	req := domain.EngineRequest{ID: uuid.NewString(), Position: position, Profile: profile}
	return s.submit(ctx, req, false)
}

// Configure queues an options-only job. Evaluate configures on its own;
// the server calls this once after Start with ENGINE_WARMUP_TIER.
func (s *Session) Configure(ctx context.Context, profile domain.DifficultyProfile) error {
	req := domain.EngineRequest{ID: uuid.NewString(), Profile: profile}
	_, err := s.submit(ctx, req, true)
	return err
}

func (s *Session) submit(ctx context.Context, req domain.EngineRequest, configureOnly bool) (domain.MoveResult, error) {
	j := &job{
		ctx:           ctx,
		req:           req,
		configureOnly: configureOnly,
		result:        make(chan jobResult, 1),
	}
	if err := s.enqueue(j); err != nil {
		return domain.MoveResult{}, err
	}
	select {
	case res := <-j.result:
		return res.move, res.err
	case <-ctx.Done():
		return domain.MoveResult{}, timeoutError(ctx.Err())
	}
}

func (s *Session) enqueue(j *job) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch s.state {
	case StateBroken:
		return domain.E(domain.KindEngineProcess, "enqueue", "engine session is broken", s.brokenErr)
	case StateStopped, StateStarting:
		return domain.E(domain.KindEngineProcess, "enqueue", "engine session is not running", nil)
	}
	select {
	case s.queue <- j:
		return nil
	default:
		return domain.E(domain.KindEngineBusy, "enqueue", "engine queue is full", nil)
	}
}

func (s *Session) startLocked(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateStopped && s.state != StateBroken {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("engine session already running (%s)", st)
	}
	s.state = StateStarting
	s.mu.Unlock()

	w, err := s.launchWorker(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.state = StateBroken
		s.brokenErr = err
		return domain.E(domain.KindEngineProcess, "start engine", "", err)
	}
	s.conn = w.conn
	s.queue = w.queue
	s.stop = w.stop
	s.done = make(chan struct{})
	s.state = StateIdle
	s.brokenErr = nil
	go w.run(s.done)
	s.log.Info().Msg("engine session ready")
	return nil
}

func (s *Session) closeLocked() {
	s.mu.Lock()
	stop, done, conn := s.stop, s.done, s.conn
	s.state = StateStopped
	s.stop, s.done, s.conn = nil, nil, nil
	s.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if done != nil {
		<-done
	}
	if conn != nil {
		_ = conn.Close()
	}
}

func (s *Session) launchWorker(ctx context.Context) (*worker, error) {
	conn, err := s.launch(ctx)
	if err != nil {
		return nil, err
	}
	w := &worker{
		s:     s,
		conn:  conn,
		queue: make(chan *job, s.opts.QueueSize),
		stop:  make(chan struct{}),
		log:   s.log,
	}
	hctx, cancel := context.WithTimeout(ctx, s.opts.StartTimeout)
	defer cancel()
	if err := w.handshake(hctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("engine handshake: %w", err)
	}
	return w, nil
}

// setState moves between the per-request states only; it never leaves
// broken, stopped or starting.
func (s *Session) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateIdle, StateConfiguring, StateSearching:
		s.state = st
	}
}

type worker struct {
	s     *Session
	conn  Conn
	queue chan *job
	stop  chan struct{}
	log   zerolog.Logger

	// isready commands whose readyok has not been seen yet.
	unacked int
}

func (w *worker) run(done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-w.stop:
			w.failQueued(errSessionClosed)
			return
		case j := <-w.queue:
			if err := w.process(j); err != nil {
				w.breakSession(err)
				return
			}
			w.s.setState(StateIdle)
		case line, ok := <-w.conn.Lines():
			if !ok {
				w.breakSession(errProcessExited)
				return
			}
			w.observe(line)
		}
	}
}

// process runs one job to completion. A non-nil return means the engine can
// no longer be trusted and the session must break.
func (w *worker) process(j *job) error {
	if err := j.ctx.Err(); err != nil {
		j.finish(domain.MoveResult{}, timeoutError(err))
		return nil
	}
	log := w.log.With().Str("request_id", j.req.ID).Logger()

	w.s.setState(StateConfiguring)
	if err := w.configure(j.ctx, j.req.Profile); err != nil {
		if j.ctx.Err() != nil && errors.Is(err, j.ctx.Err()) {
			j.finish(domain.MoveResult{}, timeoutError(err))
			return nil
		}
		j.finish(domain.MoveResult{}, processError(err))
		return err
	}
	if j.configureOnly {
		j.finish(domain.MoveResult{RequestID: j.req.ID}, nil)
		return nil
	}

	w.s.setState(StateSearching)
	for _, cmd := range []string{positionCommand(j.req.Position), goDepthCommand(j.req.Profile.SearchDepth)} {
		if err := w.write(cmd); err != nil {
			j.finish(domain.MoveResult{}, processError(err))
			return err
		}
	}
	started := time.Now()
	for {
		line, err := w.next(j.ctx)
		if err != nil {
			if j.ctx.Err() != nil && errors.Is(err, j.ctx.Err()) {
				j.finish(domain.MoveResult{}, timeoutError(err))
				log.Warn().Dur("elapsed", time.Since(started)).Msg("search abandoned, stopping engine")
				return w.drain()
			}
			j.finish(domain.MoveResult{}, processError(err))
			return err
		}
		bm, terminal, perr := parseBestMove(line)
		if !terminal {
			w.observe(line)
			continue
		}
		if errors.Is(perr, domain.ErrNoLegalMove) {
			j.finish(domain.MoveResult{}, domain.E(domain.KindInvalidRequest, "evaluate", domain.ErrNoLegalMove.Message, nil))
			return nil
		}
		if perr != nil {
			j.finish(domain.MoveResult{}, processError(perr))
			return perr
		}
		log.Debug().Str("move", bm.move).Dur("elapsed", time.Since(started)).Msg("search finished")
		j.finish(domain.MoveResult{RequestID: j.req.ID, Move: bm.move, Ponder: bm.ponder}, nil)
		return nil
	}
}

// configure applies profile and waits for the engine to acknowledge it. A
// missing acknowledgement within ConfigureTimeout is tolerated.
func (w *worker) configure(ctx context.Context, profile domain.DifficultyProfile) error {
	if err := w.write(setSkillCommand(profile.SkillLevel)); err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, w.s.opts.ConfigureTimeout)
	defer cancel()
	err := w.awaitReady(cctx)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		w.log.Debug().Int("unacked", w.unacked).Msg("engine did not acknowledge options in time")
		return nil
	}
	return err
}

// drain stops an abandoned search and discards output up to and including
// its terminal event.
func (w *worker) drain() error {
	if err := w.write(cmdStop); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.s.opts.DrainTimeout)
	defer cancel()
	for {
		line, err := w.next(ctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("abandoned search did not finish within %s", w.s.opts.DrainTimeout)
			}
			return err
		}
		if _, terminal, _ := parseBestMove(line); terminal {
			w.log.Debug().Str("line", line).Msg("discarded result of abandoned search")
			return nil
		}
		w.observe(line)
	}
}

func (w *worker) handshake(ctx context.Context) error {
	if err := w.write(cmdUCI); err != nil {
		return err
	}
	for {
		line, err := w.next(ctx)
		if err != nil {
			return err
		}
		if line == evUCIOK {
			break
		}
	}
	return w.awaitReady(ctx)
}

func (w *worker) awaitReady(ctx context.Context) error {
	w.unacked++
	if err := w.write(cmdIsReady); err != nil {
		return err
	}
	for w.unacked > 0 {
		line, err := w.next(ctx)
		if err != nil {
			return err
		}
		w.observe(line)
	}
	return nil
}

// observe handles non-terminal lines.
func (w *worker) observe(line string) {
	if line == evReadyOK && w.unacked > 0 {
		w.unacked--
	}
}

func (w *worker) next(ctx context.Context) (string, error) {
	select {
	case line, ok := <-w.conn.Lines():
		if !ok {
			return "", errProcessExited
		}
		w.log.Trace().Str("line", line).Msg("engine output")
		return line, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-w.stop:
		return "", errSessionClosed
	}
}

func (w *worker) write(line string) error {
	if err := w.conn.WriteLine(line); err != nil {
		return fmt.Errorf("write %q: %w", line, err)
	}
	return nil
}

func (w *worker) breakSession(err error) {
	w.s.mu.Lock()
	stopped := w.s.state == StateStopped
	if !stopped {
		w.s.state = StateBroken
		w.s.brokenErr = err
	}
	w.s.mu.Unlock()

	w.failQueued(err)
	_ = w.conn.Close()
	if stopped {
		return
	}
	w.log.Error().Err(err).Msg("engine session broken")
	if w.s.opts.OnBroken != nil {
		go w.s.opts.OnBroken(err)
	}
}

func (w *worker) failQueued(err error) {
	for {
		select {
		case j := <-w.queue:
			j.finish(domain.MoveResult{}, processError(err))
		default:
			return
		}
	}
}

func timeoutError(err error) error {
	msg := "search deadline exceeded"
	if errors.Is(err, context.Canceled) {
		msg = "request cancelled"
	}
	return domain.E(domain.KindEngineTimeout, "evaluate", msg, err)
}

func processError(err error) error {
	return domain.E(domain.KindEngineProcess, "evaluate", "", err)
}
