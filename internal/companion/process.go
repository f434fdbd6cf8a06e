// ABOUTME: Launching the companion analysis executable as a child process
// ABOUTME: Output lines are forwarded to the structured logger, one record per line

package companion

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

// Process is a running companion. Wait may be called any number of times
// and from any goroutine; every call returns the same exit error.
type Process interface {
	Pid() int
	Signal(sig os.Signal) error
	Kill() error
	Wait() error
}

// Launcher starts companion processes.
type Launcher interface {
	Start(ctx context.Context) (Process, error)
}

// ExecLauncher starts a local executable.
type ExecLauncher struct {
	Command string
	Args    []string
	Env     []string
	WorkDir string
	Logger  *slog.Logger
}

// Start launches the executable. ctx only bounds the launch itself; the
// process outlives it.
func (l *ExecLauncher) Start(ctx context.Context) (Process, error) {
	if strings.TrimSpace(l.Command) == "" {
		return nil, errors.New("companion: command required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cmd := exec.Command(l.Command, l.Args...)
	cmd.Dir = l.WorkDir
	if len(l.Env) > 0 {
		cmd.Env = append(os.Environ(), l.Env...)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("companion: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("companion: stderr pipe: %w", err)
	}

	logger.Info("launching companion", "command", l.Command, "args", strings.Join(l.Args, " "))
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("companion: start %s: %w", filepath.Base(l.Command), err)
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	var streams sync.WaitGroup
	streams.Add(2)
	go forward(&streams, logger, stdout, "stdout", slog.LevelInfo)
	go forward(&streams, logger, stderr, "stderr", slog.LevelWarn)
	go func() {
		// Pipes must be drained before Wait.
		streams.Wait()
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

func forward(wg *sync.WaitGroup, logger *slog.Logger, pipe io.Reader, stream string, level slog.Level) {
	defer wg.Done()
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		logger.Log(context.Background(), level, scanner.Text(), "stream", stream)
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		logger.Warn("companion log stream error", "stream", stream, "error", err)
	}
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}

func (p *execProcess) Wait() error {
	<-p.done
	return p.err
}
