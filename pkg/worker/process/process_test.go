package process

import (
	"bytes"
	"os"
	"runtime"
	"strings"
	"testing"

	"github.com/glorpus-work/qpserver/pkg/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStderrBufferCapturesOutput(t *testing.T) {
	buf := newStderrBuffer()
	buf.consume(strings.NewReader("panic: something broke\ngoroutine 1\n"))

	tail := buf.tail()
	assert.Contains(t, tail, "panic: something broke")
	assert.NotContains(t, tail, "[truncated]")
}

func TestStderrBufferCapsRetention(t *testing.T) {
	buf := newStderrBuffer()
	buf.consume(bytes.NewReader(bytes.Repeat([]byte("x"), stderrCap*3)))

	assert.Len(t, buf.data, stderrCap)
	assert.Contains(t, buf.tail(), "[truncated]")
}

func TestStderrBufferEmpty(t *testing.T) {
	buf := newStderrBuffer()
	buf.consume(strings.NewReader(""))
	assert.Empty(t, buf.tail())
}

func TestResidentMemory(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("requires procfs")
	}
	usage, err := residentMemory(os.Getpid())
	require.NoError(t, err)
	assert.Positive(t, usage)
}

func TestResidentMemoryUnknownPid(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("requires procfs")
	}
	_, err := residentMemory(-1)
	assert.Error(t, err)
}

func TestNewWorker(t *testing.T) {
	w, err := New(worker.Options{PackagePath: "/tmp/example.qpy", PackageHash: "abc"})
	require.NoError(t, err)
	assert.NotEmpty(t, w.ID())
	assert.Equal(t, "abc", w.PackageHash())
	assert.Equal(t, worker.StateStarting, w.State())
}
