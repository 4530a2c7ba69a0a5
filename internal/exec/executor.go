// Package exec attaches a child process to a session: stdin is fed from
// channel 0, stdout and stderr are forwarded on channels 1 and 2.
package exec

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	osexec "os/exec"
	"sync"

	"github.com/leyvirose/qsh/internal/logging"
	"github.com/leyvirose/qsh/internal/session"
)

// readBufSize is the read size for the unframed child streams.
const readBufSize = 4096

// Executor runs one child process with piped standard I/O.
type Executor struct {
	cmd    *osexec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
	logger *slog.Logger

	stdinOnce sync.Once
}

// Start spawns the command with piped stdio.
func Start(command string, logger *slog.Logger) (*Executor, error) {
	cmd := osexec.Command(command)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("open stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", command, err)
	}

	logger.Info("process started", logging.KeyExec, command)
	return &Executor{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		logger: logger,
	}, nil
}

// WriteStdin feeds bytes to the child's standard input.
func (e *Executor) WriteStdin(p []byte) error {
	_, err := e.stdin.Write(p)
	return err
}

// CloseStdin signals end of input to the child. Idempotent.
func (e *Executor) CloseStdin() {
	e.stdinOnce.Do(func() { e.stdin.Close() })
}

// Forward pumps the child's stdout and stderr through send until both
// streams end, then reaps the process. Child streams are read with
// bounded reads, not framed ones; each read becomes one channel
// payload.
func (e *Executor) Forward(send func(channel uint16, payload []byte) error) error {
	var wg sync.WaitGroup
	pump := func(r io.Reader, channel uint16) {
		defer wg.Done()
		buf := make([]byte, readBufSize)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				payload := make([]byte, n)
				copy(payload, buf[:n])
				if err := send(channel, payload); err != nil {
					e.logger.Debug("stop forwarding channel", logging.KeyChannel, channel, logging.KeyError, err)
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					e.logger.Debug("child stream read", logging.KeyChannel, channel, logging.KeyError, err)
				}
				return
			}
		}
	}

	wg.Add(2)
	go pump(e.stdout, session.ChannelStdout)
	go pump(e.stderr, session.ChannelStderr)
	wg.Wait()

	err := e.cmd.Wait()
	e.logger.Info("process exited", logging.KeyError, err)
	return err
}

// Stop kills the child process.
func (e *Executor) Stop() {
	if e.cmd.Process != nil {
		e.cmd.Process.Kill()
	}
}
