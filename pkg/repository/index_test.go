package repository

import (
	"strings"
	"testing"

	"github.com/glorpus-work/qpserver/pkg/errors"
	"github.com/glorpus-work/qpserver/pkg/hash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIndex(t *testing.T) {
	validHash := hash.Bytes([]byte("bundle"))

	tests := []struct {
		name    string
		json    string
		wantErr bool
	}{
		{
			name: "valid",
			json: `{"format_version":"1","timestamp":"2025-06-01T12:00:00Z","packages":[
				{"name":"example","version":"1.0.0","sha256":"` + validHash + `","size":6,"url":"https://repo.example.org/example.qpy"}]}`,
		},
		{
			name: "empty package list",
			json: `{"format_version":"1","timestamp":"2025-06-01T12:00:00Z","packages":[]}`,
		},
		{
			name:    "not json",
			json:    `{{`,
			wantErr: true,
		},
		{
			name:    "missing format version",
			json:    `{"packages":[]}`,
			wantErr: true,
		},
		{
			name: "missing name",
			json: `{"format_version":"1","packages":[
				{"version":"1.0.0","sha256":"` + validHash + `","size":6,"url":"https://x"}]}`,
			wantErr: true,
		},
		{
			name: "invalid version",
			json: `{"format_version":"1","packages":[
				{"name":"example","version":"not-a-version","sha256":"` + validHash + `","size":6,"url":"https://x"}]}`,
			wantErr: true,
		},
		{
			name: "invalid sha256",
			json: `{"format_version":"1","packages":[
				{"name":"example","version":"1.0.0","sha256":"beef","size":6,"url":"https://x"}]}`,
			wantErr: true,
		},
		{
			name: "missing url",
			json: `{"format_version":"1","packages":[
				{"name":"example","version":"1.0.0","sha256":"` + validHash + `","size":6}]}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			index, err := ParseIndex([]byte(tt.json))
			if tt.wantErr {
				assert.ErrorIs(t, err, errors.ErrInvalidIndex)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, index)
		})
	}
}

func TestIndexByHash(t *testing.T) {
	h1 := hash.Bytes([]byte("one"))
	h2 := hash.Bytes([]byte("two"))
	index := &Index{
		FormatVersion: "1",
		Packages: []Entry{
			{Name: "one", Version: "1.0.0", Sha256: strings.ToUpper(h1), Size: 3, URL: "https://x/one.qpy"},
			{Name: "two", Version: "1.0.0", Sha256: h2, Size: 3, URL: "https://x/two.qpy"},
		},
	}

	byHash := index.ByHash()
	require.Len(t, byHash, 2)
	// Keys are normalized even when the document carries uppercase digests.
	assert.Equal(t, "one", byHash[h1].Name)
	assert.Equal(t, "two", byHash[h2].Name)
}
