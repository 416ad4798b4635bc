package runtime

import (
	"archive/zip"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/glorpus-work/qpserver/pkg/qpy"
	"github.com/glorpus-work/qpserver/pkg/worker/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testManifest = `short_name: example
namespace: acme
version: 1.0.0
api_version: "1.0"
`

const testScript = `
result := undefined
if operation == "render" {
	seed := 0
	if is_map(data) && !is_undefined(data.seed) {
		seed = data.seed
	}
	result = {html: "<p>question</p>", seed: seed}
} else if operation == "score" {
	result = {score: 1.0}
} else {
	result = {"error": "unknown operation " + operation}
}
`

func writeBundle(t *testing.T, files map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "example"+qpy.Extension)
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return path
}

// startRuntime runs a runtime over in-memory pipes and returns the server
// side of the connection.
func startRuntime(t *testing.T) *proto.Conn {
	t.Helper()
	serverRead, runtimeWrite := io.Pipe()
	runtimeRead, serverWrite := io.Pipe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = New(runtimeRead, runtimeWrite).Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		_ = serverWrite.Close()
		_ = runtimeWrite.Close()
		<-done
	})
	return proto.NewConn(serverRead, serverWrite)
}

func initAndLoad(t *testing.T, conn *proto.Conn, bundle string) {
	t.Helper()
	require.NoError(t, conn.Send(proto.KindInit, &proto.Init{ProtocolVersion: proto.ProtocolVersion}))
	var done proto.InitDone
	require.NoError(t, conn.Expect(proto.KindInitDone, &done))
	assert.Equal(t, proto.ProtocolVersion, done.ProtocolVersion)

	require.NoError(t, conn.Send(proto.KindLoadPackage, &proto.LoadPackage{Path: bundle}))
	var loaded proto.PackageLoaded
	require.NoError(t, conn.Expect(proto.KindPackageLoaded, &loaded))
	assert.Equal(t, "example", loaded.ShortName)
	assert.Equal(t, "acme", loaded.Namespace)
}

func TestRuntimeCall(t *testing.T) {
	bundle := writeBundle(t, map[string]string{
		qpy.ManifestFilename: testManifest,
		qpy.ScriptFilename:   testScript,
	})
	conn := startRuntime(t)
	initAndLoad(t, conn, bundle)

	require.NoError(t, conn.Send(proto.KindCall, &proto.Call{
		Operation: "render",
		Data:      json.RawMessage(`{"seed": 42}`),
	}))
	var result proto.CallResult
	require.NoError(t, conn.Expect(proto.KindCallResult, &result))

	var rendered struct {
		HTML string `json:"html"`
		Seed int    `json:"seed"`
	}
	require.NoError(t, json.Unmarshal(result.Result, &rendered))
	assert.Equal(t, "<p>question</p>", rendered.HTML)
	assert.Equal(t, 42, rendered.Seed)
}

func TestRuntimeSequentialCalls(t *testing.T) {
	bundle := writeBundle(t, map[string]string{
		qpy.ManifestFilename: testManifest,
		qpy.ScriptFilename:   testScript,
	})
	conn := startRuntime(t)
	initAndLoad(t, conn, bundle)

	for _, op := range []string{"render", "score", "render"} {
		require.NoError(t, conn.Send(proto.KindCall, &proto.Call{Operation: op}))
		var result proto.CallResult
		require.NoError(t, conn.Expect(proto.KindCallResult, &result))
		assert.NotEmpty(t, result.Result)
	}
}

func TestRuntimeLoadMissingBundle(t *testing.T) {
	conn := startRuntime(t)

	require.NoError(t, conn.Send(proto.KindInit, &proto.Init{ProtocolVersion: proto.ProtocolVersion}))
	require.NoError(t, conn.Expect(proto.KindInitDone, &proto.InitDone{}))

	require.NoError(t, conn.Send(proto.KindLoadPackage, &proto.LoadPackage{
		Path: filepath.Join(t.TempDir(), "missing.qpy"),
	}))
	kind, body, err := conn.Receive()
	require.NoError(t, err)
	assert.Equal(t, proto.KindError, kind)

	var workerErr proto.Error
	require.NoError(t, json.Unmarshal(body, &workerErr))
	assert.Equal(t, "PackageError", workerErr.Kind)
}

func TestRuntimeLoadBrokenScript(t *testing.T) {
	bundle := writeBundle(t, map[string]string{
		qpy.ManifestFilename: testManifest,
		qpy.ScriptFilename:   `result := (`,
	})
	conn := startRuntime(t)

	require.NoError(t, conn.Send(proto.KindInit, &proto.Init{ProtocolVersion: proto.ProtocolVersion}))
	require.NoError(t, conn.Expect(proto.KindInitDone, &proto.InitDone{}))

	require.NoError(t, conn.Send(proto.KindLoadPackage, &proto.LoadPackage{Path: bundle}))
	kind, _, err := conn.Receive()
	require.NoError(t, err)
	assert.Equal(t, proto.KindError, kind)
}

func TestRuntimeCallBeforeLoad(t *testing.T) {
	conn := startRuntime(t)

	require.NoError(t, conn.Send(proto.KindCall, &proto.Call{Operation: "render"}))
	kind, body, err := conn.Receive()
	require.NoError(t, err)
	assert.Equal(t, proto.KindError, kind)

	var workerErr proto.Error
	require.NoError(t, json.Unmarshal(body, &workerErr))
	assert.Equal(t, "ProtocolError", workerErr.Kind)
}

func TestRuntimeExit(t *testing.T) {
	serverRead, runtimeWrite := io.Pipe()
	runtimeRead, serverWrite := io.Pipe()

	done := make(chan error, 1)
	go func() {
		done <- New(runtimeRead, runtimeWrite).Run(context.Background())
	}()

	conn := proto.NewConn(serverRead, serverWrite)
	require.NoError(t, conn.Send(proto.KindExit, nil))
	assert.NoError(t, <-done)
}
