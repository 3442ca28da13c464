package utils

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressTarGz(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "tcp_lab"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "tcp_lab", "abc"), []byte("AAAA"), 0644))

	bundle := filepath.Join(t.TempDir(), "crashes.tar.gz")
	require.NoError(t, CompressTarGz(src, bundle))
	assert.True(t, IsTarGz(bundle))

	f, err := os.Open(bundle)
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	tr := tar.NewReader(gz)

	contents := map[string]string{}
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		body, err := io.ReadAll(tr)
		require.NoError(t, err)
		contents[header.Name] = string(body)
	}
	assert.Equal(t, map[string]string{"tcp_lab/": "", "tcp_lab/abc": "AAAA"}, contents)
}

func TestIsTarGz_PlainFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain")
	require.NoError(t, os.WriteFile(path, []byte("not compressed"), 0644))
	assert.False(t, IsTarGz(path))
	assert.False(t, IsTarGz(filepath.Join(t.TempDir(), "missing")))
}
