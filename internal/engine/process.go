package engine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"
)

// Conn is a line-oriented connection to a running engine process.
type Conn interface {
	WriteLine(line string) error
	// Lines yields engine output one line at a time and is closed when the
	// process exits.
	Lines() <-chan string
	Close() error
}

// Launcher starts a fresh engine process.
type Launcher func(ctx context.Context) (Conn, error)

const quitGrace = 500 * time.Millisecond

type execConn struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	writeMu sync.Mutex
	lines   chan string
	quit    chan struct{}
	exited  chan struct{}
	once    sync.Once
}

// ExecLauncher runs the engine binary at path.
func ExecLauncher(path string, args ...string) Launcher {
	return func(ctx context.Context) (Conn, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cmd := exec.Command(path, args...)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("engine stdin: %w", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("engine stdout: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("start engine %s: %w", path, err)
		}
		c := &execConn{
			cmd:    cmd,
			stdin:  stdin,
			lines:  make(chan string, 256),
			quit:   make(chan struct{}),
			exited: make(chan struct{}),
		}
		go c.readLoop(stdout)
		return c, nil
	}
}

func (c *execConn) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	delivering := true
	for scanner.Scan() {
		if !delivering {
			continue
		}
		select {
		case c.lines <- scanner.Text():
		case <-c.quit:
			delivering = false
		}
	}
	close(c.lines)
	_ = c.cmd.Wait()
	close(c.exited)
}

func (c *execConn) WriteLine(line string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := io.WriteString(c.stdin, line+"\n")
	return err
}

func (c *execConn) Lines() <-chan string {
	return c.lines
}

func (c *execConn) Close() error {
	c.once.Do(func() {
		close(c.quit)
		_ = c.WriteLine(cmdQuit)
		_ = c.stdin.Close()
		select {
		case <-c.exited:
		case <-time.After(quitGrace):
			_ = c.cmd.Process.Kill()
			<-c.exited
		}
	})
	return nil
}
