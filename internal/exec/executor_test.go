package exec

import (
	"bytes"
	"runtime"
	"sync"
	"testing"

	"github.com/leyvirose/qsh/internal/logging"
	"github.com/leyvirose/qsh/internal/session"
)

func TestExecutorCat(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a unix cat")
	}

	executor, err := Start("/bin/cat", logging.NopLogger())
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	var mu sync.Mutex
	var stdout bytes.Buffer
	send := func(channel uint16, payload []byte) error {
		mu.Lock()
		defer mu.Unlock()
		if channel == session.ChannelStdout {
			stdout.Write(payload)
		}
		return nil
	}

	input := []byte("echoed through the child\n")
	if err := executor.WriteStdin(input); err != nil {
		t.Fatalf("WriteStdin() error = %v", err)
	}
	executor.CloseStdin()
	// CloseStdin is idempotent.
	executor.CloseStdin()

	if err := executor.Forward(send); err != nil {
		t.Fatalf("Forward() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if !bytes.Equal(stdout.Bytes(), input) {
		t.Errorf("stdout = %q, want %q", stdout.Bytes(), input)
	}
}

func TestExecutorMissingCommand(t *testing.T) {
	if _, err := Start("/nonexistent/program", logging.NopLogger()); err == nil {
		t.Error("Start() of a missing program expected error")
	}
}
