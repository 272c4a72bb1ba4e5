package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/pgzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"
)

func buildTar(t *testing.T, entries []*tar.Header, contents map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, hdr := range entries {
		if hdr.Typeflag == tar.TypeReg {
			hdr.Size = int64(len(contents[hdr.Name]))
		}
		if hdr.Uid == 0 && hdr.Gid == 0 {
			hdr.Uid, hdr.Gid = os.Getuid(), os.Getgid()
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if hdr.Typeflag == tar.TypeReg {
			_, err := io.WriteString(tw, contents[hdr.Name])
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func stage3Entries() ([]*tar.Header, map[string]string) {
	mtime := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	return []*tar.Header{
			{Name: "./", Typeflag: tar.TypeDir, Mode: 0o755, ModTime: mtime},
			{Name: "./bin/", Typeflag: tar.TypeDir, Mode: 0o555, ModTime: mtime},
			{Name: "./bin/busybox", Typeflag: tar.TypeReg, Mode: 0o4755, ModTime: mtime},
			{Name: "./bin/sh", Typeflag: tar.TypeSymlink, Linkname: "busybox", ModTime: mtime},
			{Name: "./bin/ash", Typeflag: tar.TypeLink, Linkname: "./bin/busybox", ModTime: mtime},
			{Name: "etc/os-release", Typeflag: tar.TypeReg, Mode: 0o644, ModTime: mtime},
		}, map[string]string{
			"./bin/busybox":  "ELF",
			"etc/os-release": "NAME=Gentoo\n",
		}
}

func TestExtractPreservesMetadata(t *testing.T) {
	entries, contents := stage3Entries()
	dest := t.TempDir()

	require.NoError(t, Extract(context.Background(), bytes.NewReader(buildTar(t, entries, contents)), dest))
	t.Cleanup(func() { _ = os.Chmod(filepath.Join(dest, "bin"), 0o755) })

	data, err := os.ReadFile(filepath.Join(dest, "etc", "os-release"))
	require.NoError(t, err)
	assert.Equal(t, "NAME=Gentoo\n", string(data))

	info, err := os.Stat(filepath.Join(dest, "bin", "busybox"))
	require.NoError(t, err)
	assert.Equal(t, os.ModeSetuid|0o755, info.Mode()&(os.ModeSetuid|os.ModePerm))
	assert.Equal(t, 2024, info.ModTime().Year())

	link, err := os.Readlink(filepath.Join(dest, "bin", "sh"))
	require.NoError(t, err)
	assert.Equal(t, "busybox", link)

	hard, err := os.Stat(filepath.Join(dest, "bin", "ash"))
	require.NoError(t, err)
	assert.True(t, os.SameFile(info, hard))

	dir, err := os.Stat(filepath.Join(dest, "bin"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o555), dir.Mode().Perm())
}

func TestExtractRejectsEscapingEntries(t *testing.T) {
	for _, hdr := range []*tar.Header{
		{Name: "../evil", Typeflag: tar.TypeReg, Mode: 0o644},
		{Name: "ok", Typeflag: tar.TypeLink, Linkname: "../../etc/passwd"},
	} {
		data := buildTar(t, []*tar.Header{hdr}, map[string]string{})
		err := Extract(context.Background(), bytes.NewReader(data), t.TempDir())
		assert.ErrorContains(t, err, "escapes")
	}
}

func TestExtractHonoursCancellation(t *testing.T) {
	entries, contents := stage3Entries()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Extract(ctx, bytes.NewReader(buildTar(t, entries, contents)), t.TempDir())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExtractFileCompressions(t *testing.T) {
	entries, contents := stage3Entries()
	raw := buildTar(t, entries[len(entries)-1:], contents)
	dir := t.TempDir()

	var gz bytes.Buffer
	gzw := pgzip.NewWriter(&gz)
	_, err := gzw.Write(raw)
	require.NoError(t, err)
	require.NoError(t, gzw.Close())

	var xzBuf bytes.Buffer
	xzw, err := xz.NewWriter(&xzBuf)
	require.NoError(t, err)
	_, err = xzw.Write(raw)
	require.NoError(t, err)
	require.NoError(t, xzw.Close())

	for name, data := range map[string][]byte{
		"stage3-amd64-openrc.tar.gz": gz.Bytes(),
		"stage3-amd64-openrc.tar.xz": xzBuf.Bytes(),
		"plain.tar":                  raw,
	} {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, data, 0o644))
		dest := t.TempDir()

		require.NoError(t, ExtractFile(context.Background(), path, dest), name)
		assert.FileExists(t, filepath.Join(dest, "etc", "os-release"), name)
	}
}

func TestDetectCompression(t *testing.T) {
	_, err := DetectCompression("snapshot.zip")
	assert.Error(t, err)

	c, err := DetectCompression("gentoo-latest.tar.xz")
	require.NoError(t, err)
	assert.Equal(t, XZ, c)
}
