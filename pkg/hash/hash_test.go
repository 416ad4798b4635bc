package hash_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/glorpus-work/qpserver/pkg/errors"
	"github.com/glorpus-work/qpserver/pkg/hash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Known SHA-256 of "hello".
const helloHash = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"

func TestBytes(t *testing.T) {
	assert.Equal(t, helloHash, hash.Bytes([]byte("hello")))
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", hash.Bytes(nil))
}

func TestReaderAndFileAgree(t *testing.T) {
	data := []byte("some package bytes")
	fromReader, err := hash.Reader(strings.NewReader(string(data)))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "pkg.qpy")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	fromFile, err := hash.File(path)
	require.NoError(t, err)

	assert.Equal(t, fromReader, fromFile)
	assert.Equal(t, hash.Bytes(data), fromFile)
}

func TestVerify(t *testing.T) {
	require.NoError(t, hash.Verify([]byte("hello"), helloHash))
	require.NoError(t, hash.Verify([]byte("hello"), "sha256:"+strings.ToUpper(helloHash)))

	err := hash.Verify([]byte("tampered"), helloHash)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrHashMismatch)
}

func TestValid(t *testing.T) {
	assert.True(t, hash.Valid(helloHash))
	assert.True(t, hash.Valid("sha256:"+helloHash))
	assert.False(t, hash.Valid("not-a-hash"))
	assert.False(t, hash.Valid(helloHash[:40]))
	assert.False(t, hash.Valid(helloHash+"ff"))
}
