// Package enginetest provides a scripted UCI engine for tests.
package enginetest

import (
	"errors"
	"strings"
	"sync"
	"time"
)

// Engine speaks enough UCI to drive an engine session. Moves are keyed by
// FEN; a FEN listed in Hang only answers after "stop". Configure the maps
// before the first search starts.
type Engine struct {
	mu       sync.Mutex
	lines    chan string
	closed   bool
	commands []string
	position string
	stopCh   chan struct{}

	Moves         map[string]string
	Delays        map[string]time.Duration
	Hang          map[string]bool
	LateAfterStop time.Duration
	ignoreReady   bool
}

func New() *Engine {
	return &Engine{
		lines:  make(chan string, 64),
		Moves:  make(map[string]string),
		Delays: make(map[string]time.Duration),
		Hang:   make(map[string]bool),
	}
}

// SetIgnoreReady makes the engine stop answering "isready".
func (f *Engine) SetIgnoreReady(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ignoreReady = v
}

func (f *Engine) emit(line string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.lines <- line
}

func (f *Engine) WriteLine(line string) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return errors.New("broken pipe")
	}
	f.commands = append(f.commands, line)
	ignoreReady := f.ignoreReady
	f.mu.Unlock()

	switch {
	case line == "uci":
		f.emit("id name Fake")
		f.emit("uciok")
	case line == "isready":
		if !ignoreReady {
			f.emit("readyok")
		}
	case strings.HasPrefix(line, "position fen "):
		f.mu.Lock()
		f.position = strings.TrimPrefix(line, "position fen ")
		f.mu.Unlock()
	case strings.HasPrefix(line, "go"):
		f.startSearch()
	case line == "stop":
		f.mu.Lock()
		if f.stopCh != nil {
			close(f.stopCh)
			f.stopCh = nil
		}
		f.mu.Unlock()
	}
	return nil
}

func (f *Engine) startSearch() {
	f.mu.Lock()
	pos := f.position
	move, ok := f.Moves[pos]
	if !ok {
		move = "e2e4"
	}
	delay := f.Delays[pos]
	hang := f.Hang[pos]
	late := f.LateAfterStop
	stop := make(chan struct{})
	f.stopCh = stop
	f.mu.Unlock()

	go func() {
		if hang {
			<-stop
			time.Sleep(late)
		} else {
			select {
			case <-time.After(delay):
			case <-stop:
			}
		}
		f.emit("info depth 1 score cp 13 pv " + move)
		if move == "(none)" {
			f.emit("bestmove (none)")
			return
		}
		f.emit("bestmove " + move + " ponder e7e5")
	}()
}

func (f *Engine) Lines() <-chan string {
	return f.lines
}

func (f *Engine) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.lines)
	}
	return nil
}

// Crash simulates the process exiting.
func (f *Engine) Crash() {
	_ = f.Close()
}

// Sent returns every command received so far.
func (f *Engine) Sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

func (f *Engine) CountPrefix(prefix string) int {
	n := 0
	for _, c := range f.Sent() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// WaitFor polls until at least n commands starting with prefix were received.
func (f *Engine) WaitFor(prefix string, n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if f.CountPrefix(prefix) >= n {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return false
}
