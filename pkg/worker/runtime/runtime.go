// Package runtime is the worker side of the server/worker message protocol.
// It runs inside the spawned subprocess: it loads a question package's entry
// script and executes operations against it until told to exit.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime/debug"

	"github.com/d5/tengo/v2"
	"github.com/d5/tengo/v2/stdlib"
	"github.com/glorpus-work/qpserver/pkg/qpy"
	"github.com/glorpus-work/qpserver/pkg/worker/proto"
)

// script modules available to question packages. Deliberately excludes os.
var scriptModules = []string{"json", "math", "text", "times", "rand", "base64", "fmt", "enum"}

// Runtime executes the worker-side message loop.
type Runtime struct {
	conn     *proto.Conn
	manifest *qpy.Manifest
	compiled *tengo.Compiled
}

// New creates a runtime reading requests from r and answering on w,
// typically stdin and stdout.
func New(r io.Reader, w io.Writer) *Runtime {
	return &Runtime{conn: proto.NewConn(r, w)}
}

// Run processes messages until an exit request, stream end or fatal error.
func (rt *Runtime) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		kind, body, err := rt.conn.Receive()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		switch kind {
		case proto.KindInit:
			err = rt.handleInit(body)
		case proto.KindLoadPackage:
			err = rt.handleLoadPackage(ctx, body)
		case proto.KindCall:
			err = rt.handleCall(ctx, body)
		case proto.KindExit:
			return nil
		default:
			err = rt.sendError("ProtocolError", fmt.Sprintf("unexpected %s message", kind))
		}
		if err != nil {
			return err
		}
	}
}

func (rt *Runtime) handleInit(body json.RawMessage) error {
	var init proto.Init
	if err := json.Unmarshal(body, &init); err != nil {
		return rt.sendError("ProtocolError", err.Error())
	}
	if init.MaxMemory > 0 {
		debug.SetMemoryLimit(init.MaxMemory)
	}
	return rt.conn.Send(proto.KindInitDone, &proto.InitDone{
		ProtocolVersion: proto.ProtocolVersion,
		PID:             os.Getpid(),
	})
}

func (rt *Runtime) handleLoadPackage(ctx context.Context, body json.RawMessage) error {
	var load proto.LoadPackage
	if err := json.Unmarshal(body, &load); err != nil {
		return rt.sendError("ProtocolError", err.Error())
	}

	manifest, err := qpy.ReadManifest(ctx, load.Path)
	if err != nil {
		return rt.sendError("PackageError", err.Error())
	}
	source, err := qpy.ReadScript(ctx, load.Path, manifest)
	if err != nil {
		return rt.sendError("PackageError", err.Error())
	}

	script := tengo.NewScript(source)
	script.SetImports(stdlib.GetModuleMap(scriptModules...))
	if err := script.Add("operation", ""); err != nil {
		return rt.sendError("PackageError", err.Error())
	}
	if err := script.Add("data", nil); err != nil {
		return rt.sendError("PackageError", err.Error())
	}
	compiled, err := script.Compile()
	if err != nil {
		return rt.sendError("PackageError", fmt.Sprintf("entry script does not compile: %v", err))
	}

	rt.manifest = manifest
	rt.compiled = compiled
	return rt.conn.Send(proto.KindPackageLoaded, &proto.PackageLoaded{
		ShortName: manifest.ShortName,
		Namespace: manifest.Namespace,
		Version:   manifest.Version,
	})
}

func (rt *Runtime) handleCall(ctx context.Context, body json.RawMessage) error {
	if rt.compiled == nil {
		return rt.sendError("ProtocolError", "no package loaded")
	}

	var call proto.Call
	if err := json.Unmarshal(body, &call); err != nil {
		return rt.sendError("ProtocolError", err.Error())
	}

	result, err := rt.execute(ctx, call.Operation, call.Data)
	if err != nil {
		return rt.sendError("PackageError", err.Error())
	}
	return rt.conn.Send(proto.KindCallResult, &proto.CallResult{Result: result})
}

// execute runs one operation through the package's entry script. The script
// sees `operation` and `data` and reports through a `result` variable.
func (rt *Runtime) execute(ctx context.Context, operation string, data json.RawMessage) (json.RawMessage, error) {
	var input interface{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &input); err != nil {
			return nil, fmt.Errorf("operation data is not valid JSON: %w", err)
		}
	}

	if err := rt.compiled.Set("operation", operation); err != nil {
		return nil, err
	}
	if err := rt.compiled.Set("data", input); err != nil {
		return nil, err
	}
	if err := rt.compiled.RunContext(ctx); err != nil {
		return nil, fmt.Errorf("operation %s failed: %w", operation, err)
	}

	value := rt.compiled.Get("result").Value()
	out, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("operation %s produced an unserializable result: %w", operation, err)
	}
	return out, nil
}

func (rt *Runtime) sendError(kind, message string) error {
	return rt.conn.Send(proto.KindError, &proto.Error{Kind: kind, Message: message})
}
