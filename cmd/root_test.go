package cmd

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netseer/netseer/internal/config"
	"github.com/netseer/netseer/internal/observability"
)

// captureStdout redirects os.Stdout for commands that print results directly.
func captureStdout(t *testing.T) (*bytes.Buffer, func()) {
	t.Helper()
	original := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w

	var buf bytes.Buffer
	done := make(chan struct{})
	go func() {
		_, _ = buf.ReadFrom(r)
		close(done)
	}()
	return &buf, func() {
		_ = w.Close()
		<-done
		os.Stdout = original
	}
}

// Runs a full command through Execute, including the signal-aware context
// setup, against the memory backend.
func TestExecuteAnalyzeMemoryBackend(t *testing.T) {
	// Bind the logger to the real stdout before capturing it.
	observability.InitializeLogger(config.LoggerConfig{Level: "error", Format: "console", ServiceName: "netseer"})

	buf, restore := captureStdout(t)
	rootCmd.SetArgs([]string{"analyze", "--backend", "memory"})
	Execute()
	restore()

	assert.Contains(t, buf.String(), "no structural single points of failure detected")
}

func TestExecuteVersion(t *testing.T) {
	out := new(bytes.Buffer)
	rootCmd.SetOut(out)
	rootCmd.SetArgs([]string{"--version"})
	Execute()

	assert.Contains(t, out.String(), Version)
}
