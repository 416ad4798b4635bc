// Package proto implements the message framing spoken between the server and
// its worker processes. Every message is an 8 byte header, little-endian
// uint32 kind followed by uint32 payload length, and a JSON payload.
package proto

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"sync"

	"github.com/glorpus-work/qpserver/pkg/errors"
)

// ProtocolVersion is negotiated during the init handshake. The server rejects
// workers answering with a different version.
const ProtocolVersion = 1

// MaxPayloadSize caps a single message payload. Larger frames indicate a
// corrupt stream or a runaway worker.
const MaxPayloadSize = 16 << 20

const headerSize = 8

// Kind identifies a message type on the wire.
type Kind uint32

const (
	// KindInit is sent by the server right after spawning a worker.
	KindInit Kind = iota + 1
	// KindInitDone is the worker's answer to KindInit.
	KindInitDone
	// KindLoadPackage tells the worker which bundle to load.
	KindLoadPackage
	// KindPackageLoaded confirms the bundle is loaded and ready.
	KindPackageLoaded
	// KindCall requests an operation on the loaded package.
	KindCall
	// KindCallResult carries a successful operation result.
	KindCallResult
	// KindError reports a failure executing the previous request.
	KindError
	// KindExit asks the worker to shut down cleanly.
	KindExit
)

func (k Kind) String() string {
	switch k {
	case KindInit:
		return "init"
	case KindInitDone:
		return "init_done"
	case KindLoadPackage:
		return "load_package"
	case KindPackageLoaded:
		return "package_loaded"
	case KindCall:
		return "call"
	case KindCallResult:
		return "call_result"
	case KindError:
		return "error"
	case KindExit:
		return "exit"
	default:
		return "unknown"
	}
}

// Init is the server's opening message.
type Init struct {
	ProtocolVersion int    `json:"protocol_version"`
	MaxMemory       int64  `json:"max_memory"`
	LogLevel        string `json:"log_level"`
}

// InitDone is the worker's answer to Init.
type InitDone struct {
	ProtocolVersion int `json:"protocol_version"`
	PID             int `json:"pid"`
}

// LoadPackage tells the worker which bundle to load.
type LoadPackage struct {
	Path string `json:"path"`
	Hash string `json:"hash"`
}

// PackageLoaded confirms a bundle is loaded.
type PackageLoaded struct {
	ShortName string `json:"short_name"`
	Namespace string `json:"namespace"`
	Version   string `json:"version"`
}

// Call requests an operation on the loaded package.
type Call struct {
	Operation string          `json:"operation"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// CallResult carries a successful operation result.
type CallResult struct {
	Result json.RawMessage `json:"result"`
}

// Error reports a failure executing the previous request.
type Error struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Write frames a message onto w.
func Write(w io.Writer, kind Kind, payload interface{}) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return errors.Wrapf(err, "failed to encode %s message", kind)
		}
	}
	if len(body) > MaxPayloadSize {
		return errors.Wrapf(errors.ErrItemTooLarge, "%s payload is %d bytes", kind, len(body))
	}

	header := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(header[0:4], uint32(kind))
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(body)))
	if _, err := w.Write(header); err != nil {
		return errors.Wrapf(err, "failed to write %s header", kind)
	}
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return errors.Wrapf(err, "failed to write %s payload", kind)
		}
	}
	return nil
}

// Read reads one framed message from r. It blocks until a full frame arrives
// or the stream ends.
func Read(r io.Reader) (Kind, json.RawMessage, error) {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}
	kind := Kind(binary.LittleEndian.Uint32(header[0:4]))
	length := binary.LittleEndian.Uint32(header[4:8])
	if length > MaxPayloadSize {
		return 0, nil, errors.Wrapf(errors.ErrItemTooLarge, "%s frame declares %d bytes", kind, length)
	}
	if length == 0 {
		return kind, nil, nil
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, errors.Wrapf(err, "truncated %s frame", kind)
	}
	return kind, body, nil
}

// Conn is a message stream over a reader/writer pair. Writes and reads are
// each serialized, so one goroutine may send while another receives.
type Conn struct {
	readMu  sync.Mutex
	writeMu sync.Mutex
	r       io.Reader
	w       io.Writer
}

// NewConn wraps a reader/writer pair, typically a subprocess's stdout/stdin.
func NewConn(r io.Reader, w io.Writer) *Conn {
	return &Conn{r: r, w: w}
}

// Send frames and writes a message.
func (c *Conn) Send(kind Kind, payload interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return Write(c.w, kind, payload)
}

// Receive reads the next message.
func (c *Conn) Receive() (Kind, json.RawMessage, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	return Read(c.r)
}

// Expect reads the next message and decodes it into out, failing if the kind
// differs. A KindError frame is surfaced as an error carrying the worker's
// message.
func (c *Conn) Expect(kind Kind, out interface{}) error {
	got, body, err := c.Receive()
	if err != nil {
		return err
	}
	if got == KindError {
		var workerErr Error
		if err := json.Unmarshal(body, &workerErr); err == nil {
			return errors.Wrapf(errors.ErrWorkerCrashed, "worker reported %s: %s", workerErr.Kind, workerErr.Message)
		}
		return errors.Wrap(errors.ErrWorkerCrashed, "worker reported an error")
	}
	if got != kind {
		return errors.Wrapf(errors.ErrWorkerCrashed, "expected %s message, got %s", kind, got)
	}
	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return errors.Wrapf(err, "failed to decode %s message", kind)
		}
	}
	return nil
}
