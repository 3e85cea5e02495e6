package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"equinox/internal/domain"
	"equinox/internal/engine/enginetest"
)

const (
	startFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"
	otherFEN = "rnbqkbnr/pppppppp/8/8/4P3/8/PPPP1PPP/RNBQKBNR b KQkq e3 0 1"
	hangFEN  = "8/8/8/8/8/8/8/K6k w - - 0 1"
)

var easy = domain.DifficultyProfile{SkillLevel: 2, SearchDepth: 3}

func launcherFor(f *enginetest.Engine) Launcher {
	return func(ctx context.Context) (Conn, error) {
		return f, nil
	}
}

func skillOf(cmd string) int {
	n, _ := strconv.Atoi(cmd[strings.LastIndex(cmd, " ")+1:])
	return n
}

func newTestSession(t *testing.T, f *enginetest.Engine, opts Options) *Session {
	t.Helper()
	opts.Logger = zerolog.Nop()
	s := NewSession(launcherFor(f), opts)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start session: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", s.State(), want)
}

func waitQueueDepth(t *testing.T, s *Session, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Status().QueueDepth == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("queue depth = %d, want %d", s.Status().QueueDepth, want)
}

func TestEvaluate_ConfiguresThenSearches(t *testing.T) {
	f := enginetest.New()
	f.Moves[startFEN] = "e2e4"
	s := newTestSession(t, f, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := s.Evaluate(ctx, startFEN, easy)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Move != "e2e4" || res.Ponder != "e7e5" || res.RequestID == "" {
		t.Fatalf("unexpected result %+v", res)
	}

	cmds := f.Sent()
	want := []string{
		"uci",
		"isready",
		"setoption name Skill Level value 2",
		"isready",
		"position fen " + startFEN,
		"go depth 3",
	}
	if strings.Join(cmds, "|") != strings.Join(want, "|") {
		t.Fatalf("commands = %q, want %q", cmds, want)
	}
	waitState(t, s, StateIdle)
}

func TestEvaluate_ConcurrentRequestsReceiveOwnMoves(t *testing.T) {
	f := enginetest.New()
	f.Moves[startFEN] = "g1f3"
	f.Moves[otherFEN] = "c7c5"
	f.Delays[startFEN] = 30 * time.Millisecond
	s := newTestSession(t, f, Options{})

	const n = 10
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		fen, want := startFEN, "g1f3"
		if i%2 == 1 {
			fen, want = otherFEN, "c7c5"
		}
		wg.Add(1)
		go func(fen, want string) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			res, err := s.Evaluate(ctx, fen, easy)
			if err != nil {
				errs <- err
				return
			}
			if res.Move != want {
				errs <- fmt.Errorf("position %q got %s, want %s", fen, res.Move, want)
			}
		}(fen, want)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	// Every search is a configure/position/go run with nothing interleaved.
	cmds := f.Sent()[2:]
	if len(cmds) != n*4 {
		t.Fatalf("got %d commands, want %d: %q", len(cmds), n*4, cmds)
	}
	for i := 0; i < len(cmds); i += 4 {
		if !strings.HasPrefix(cmds[i], "setoption") || cmds[i+1] != "isready" ||
			!strings.HasPrefix(cmds[i+2], "position fen") || !strings.HasPrefix(cmds[i+3], "go depth") {
			t.Fatalf("interleaved commands at %d: %q", i, cmds[i:i+4])
		}
	}
}

func TestEvaluate_TimeoutThenNextRequestGetsOwnResult(t *testing.T) {
	f := enginetest.New()
	f.Moves[hangFEN] = "a1a2"
	f.Moves[otherFEN] = "c7c5"
	f.Hang[hangFEN] = true
	f.LateAfterStop = 40 * time.Millisecond
	s := newTestSession(t, f, Options{})

	deadline := 100 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()
	started := time.Now()
	_, err := s.Evaluate(ctx, hangFEN, easy)
	elapsed := time.Since(started)
	if !errors.Is(err, domain.ErrEngineTimeout) {
		t.Fatalf("expected ErrEngineTimeout, got %v", err)
	}
	if elapsed < deadline {
		t.Fatalf("timed out early after %s", elapsed)
	}
	if elapsed > deadline+250*time.Millisecond {
		t.Fatalf("timed out late after %s", elapsed)
	}

	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	res, err := s.Evaluate(ctx2, otherFEN, easy)
	if err != nil {
		t.Fatalf("follow-up evaluate: %v", err)
	}
	if res.Move != "c7c5" {
		t.Fatalf("follow-up got %s, want c7c5 (stale result leaked)", res.Move)
	}
	if f.CountPrefix("stop") != 1 {
		t.Fatalf("expected one stop command, got %d", f.CountPrefix("stop"))
	}
}

func TestEvaluate_UndrainableSearchBreaksSession(t *testing.T) {
	f := enginetest.New()
	f.Hang[hangFEN] = true
	f.LateAfterStop = time.Second
	s := newTestSession(t, f, Options{DrainTimeout: 50 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := s.Evaluate(ctx, hangFEN, easy); !errors.Is(err, domain.ErrEngineTimeout) {
		t.Fatalf("expected ErrEngineTimeout, got %v", err)
	}
	waitState(t, s, StateBroken)

	_, err := s.Evaluate(context.Background(), otherFEN, easy)
	if !errors.Is(err, domain.ErrEngineProcess) {
		t.Fatalf("expected ErrEngineProcess from broken session, got %v", err)
	}
}

func TestEvaluate_ProcessExitFailsActiveAndQueuedUntilRestart(t *testing.T) {
	first := enginetest.New()
	first.Hang[hangFEN] = true
	second := enginetest.New()
	second.Moves[otherFEN] = "d7d5"
	launches := []*enginetest.Engine{first, second}
	var mu sync.Mutex
	launch := func(ctx context.Context) (Conn, error) {
		mu.Lock()
		defer mu.Unlock()
		f := launches[0]
		launches = launches[1:]
		return f, nil
	}
	broken := make(chan error, 1)
	s := NewSession(launch, Options{Logger: zerolog.Nop(), OnBroken: func(err error) { broken <- err }})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	results := make(chan error, 2)
	go func() {
		_, err := s.Evaluate(ctx, hangFEN, easy)
		results <- err
	}()
	if !first.WaitFor("go", 1, 2*time.Second) {
		t.Fatal("search never started")
	}
	go func() {
		_, err := s.Evaluate(ctx, otherFEN, easy)
		results <- err
	}()
	waitQueueDepth(t, s, 1)

	first.Crash()
	for i := 0; i < 2; i++ {
		select {
		case err := <-results:
			if !errors.Is(err, domain.ErrEngineProcess) {
				t.Fatalf("expected ErrEngineProcess, got %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("request was left waiting after the engine exited")
		}
	}
	select {
	case <-broken:
	case <-time.After(2 * time.Second):
		t.Fatal("OnBroken was not called")
	}
	if s.State() != StateBroken {
		t.Fatalf("state = %s, want broken", s.State())
	}
	if _, err := s.Evaluate(ctx, otherFEN, easy); !errors.Is(err, domain.ErrEngineProcess) {
		t.Fatalf("expected broken session to reject, got %v", err)
	}

	if err := s.Restart(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	res, err := s.Evaluate(ctx, otherFEN, easy)
	if err != nil {
		t.Fatalf("evaluate after restart: %v", err)
	}
	if res.Move != "d7d5" {
		t.Fatalf("move = %s, want d7d5", res.Move)
	}
}

func TestEvaluate_QueueFull(t *testing.T) {
	f := enginetest.New()
	f.Hang[hangFEN] = true
	s := newTestSession(t, f, Options{QueueSize: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() { _, _ = s.Evaluate(ctx, hangFEN, easy) }()
	if !f.WaitFor("go", 1, 2*time.Second) {
		t.Fatal("search never started")
	}
	go func() { _, _ = s.Evaluate(ctx, otherFEN, easy) }()
	waitQueueDepth(t, s, 1)

	_, err := s.Evaluate(ctx, startFEN, easy)
	if !errors.Is(err, domain.ErrEngineBusy) {
		t.Fatalf("expected ErrEngineBusy, got %v", err)
	}
}

func TestEvaluate_SkipsRequestThatExpiredWhileQueued(t *testing.T) {
	f := enginetest.New()
	f.Hang[hangFEN] = true
	s := newTestSession(t, f, Options{})

	first, cancelFirst := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancelFirst()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.Evaluate(first, hangFEN, easy)
	}()
	if !f.WaitFor("go", 1, 2*time.Second) {
		t.Fatal("search never started")
	}

	second, cancelSecond := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancelSecond()
	if _, err := s.Evaluate(second, otherFEN, easy); !errors.Is(err, domain.ErrEngineTimeout) {
		t.Fatalf("expected ErrEngineTimeout, got %v", err)
	}
	<-done
	waitQueueDepth(t, s, 0)
	waitState(t, s, StateIdle)

	if n := f.CountPrefix("position"); n != 1 {
		t.Fatalf("expired request reached the engine: %d position commands", n)
	}
}

func TestEvaluate_NoLegalMove(t *testing.T) {
	f := enginetest.New()
	f.Moves[hangFEN] = "(none)"
	s := newTestSession(t, f, Options{})

	_, err := s.Evaluate(context.Background(), hangFEN, easy)
	if !errors.Is(err, domain.ErrNoLegalMove) {
		t.Fatalf("expected ErrNoLegalMove, got %v", err)
	}
	if s.State() == StateBroken {
		t.Fatal("a position without moves must not break the session")
	}
}

func TestConfigure_ToleratesMissingAcknowledgement(t *testing.T) {
	f := enginetest.New()
	f.Moves[startFEN] = "d2d4"
	s := newTestSession(t, f, Options{ConfigureTimeout: 30 * time.Millisecond})
	f.SetIgnoreReady(true)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Configure(ctx, domain.DifficultyProfile{SkillLevel: 20, SearchDepth: 10}); err != nil {
		t.Fatalf("configure: %v", err)
	}
	res, err := s.Evaluate(ctx, startFEN, domain.DifficultyProfile{SkillLevel: 10, SearchDepth: 5})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Move != "d2d4" {
		t.Fatalf("move = %s", res.Move)
	}
	var skills []int
	for _, c := range f.Sent() {
		if strings.HasPrefix(c, "setoption") {
			skills = append(skills, skillOf(c))
		}
	}
	if len(skills) != 2 || skills[0] != 20 || skills[1] != 10 {
		t.Fatalf("skill levels sent = %v", skills)
	}
}

func TestStart_HandshakeTimeout(t *testing.T) {
	f := enginetest.New()
	f.SetIgnoreReady(true)
	s := NewSession(launcherFor(f), Options{Logger: zerolog.Nop(), StartTimeout: 30 * time.Millisecond})
	err := s.Start(context.Background())
	if !errors.Is(err, domain.ErrEngineProcess) {
		t.Fatalf("expected ErrEngineProcess, got %v", err)
	}
	if s.State() != StateBroken {
		t.Fatalf("state = %s, want broken", s.State())
	}
}

func TestClose_RejectsNewRequests(t *testing.T) {
	f := enginetest.New()
	s := newTestSession(t, f, Options{})
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if s.State() != StateStopped {
		t.Fatalf("state = %s, want stopped", s.State())
	}
	if _, err := s.Evaluate(context.Background(), startFEN, easy); !errors.Is(err, domain.ErrEngineProcess) {
		t.Fatalf("expected ErrEngineProcess, got %v", err)
	}
}
