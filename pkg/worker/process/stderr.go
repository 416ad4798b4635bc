package process

import (
	"io"
	"strings"
	"sync"

	"github.com/glorpus-work/qpserver/internal/logger"
)

// stderrCap bounds how much worker stderr is retained. Anything past the cap
// is dropped; the retained prefix is enough to diagnose a crash.
const stderrCap = 5 * 1024

// stderrBuffer collects a worker's stderr up to stderrCap bytes.
type stderrBuffer struct {
	mu        sync.Mutex
	data      []byte
	truncated bool
}

func newStderrBuffer() *stderrBuffer {
	return &stderrBuffer{}
}

// consume drains r until EOF, retaining the first stderrCap bytes.
func (b *stderrBuffer) consume(r io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			b.mu.Lock()
			room := stderrCap - len(b.data)
			if room > 0 {
				if n < room {
					room = n
				}
				b.data = append(b.data, buf[:room]...)
			}
			if n > room {
				b.truncated = true
			}
			b.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

// tail returns the captured output as a single line for error messages.
func (b *stderrBuffer) tail() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := strings.TrimSpace(string(b.data))
	if b.truncated {
		out += " [truncated]"
	}
	return strings.Join(strings.Fields(out), " ")
}

// flush logs the captured output once the worker terminated.
func (b *stderrBuffer) flush(workerID string) {
	b.mu.Lock()
	data := strings.TrimSpace(string(b.data))
	truncated := b.truncated
	b.mu.Unlock()

	if data == "" {
		return
	}
	for _, line := range strings.Split(data, "\n") {
		logger.Debug("Worker stderr", logger.Fields{"worker": workerID, "line": line})
	}
	if truncated {
		logger.Debug("Worker stderr truncated", logger.Fields{"worker": workerID, "cap": stderrCap})
	}
}
