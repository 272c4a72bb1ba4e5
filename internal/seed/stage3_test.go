package seed

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/pgzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cochaviz/stage4/arch"
	"github.com/cochaviz/stage4/internal/errdefs"
)

func writeStage3(t *testing.T, name string) string {
	t.Helper()
	var raw bytes.Buffer
	tw := tar.NewWriter(&raw)
	body := "NAME=Gentoo\n"
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: "./etc/os-release", Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(body)),
		Uid: os.Getuid(), Gid: os.Getgid(),
	}))
	_, err := tw.Write([]byte(body))
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	var gz bytes.Buffer
	w := pgzip.NewWriter(&gz)
	_, err = w.Write(raw.Bytes())
	require.NoError(t, err)
	require.NoError(t, w.Close())

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, gz.Bytes(), 0o644))

	sum := sha512.Sum512(gz.Bytes())
	digests := fmt.Sprintf("-----BEGIN PGP SIGNED MESSAGE-----\n# BLAKE2B HASH\n%s  %s\n# SHA512 HASH\n%s  %s\n%s  %s.CONTENTS.gz\n",
		hex.EncodeToString(make([]byte, 64)), name,
		hex.EncodeToString(sum[:]), name,
		hex.EncodeToString(make([]byte, 64)), name)
	require.NoError(t, os.WriteFile(path+".DIGESTS", []byte(digests), 0o644))
	return path
}

func TestStage3ArchiveUnpack(t *testing.T) {
	path := writeStage3(t, "stage3-amd64-openrc-20240101T170000Z.tar.gz")

	s, err := NewGentooStage3Archive(path, "")
	require.NoError(t, err)
	assert.Equal(t, path+".DIGESTS", s.DigestPath())
	assert.Contains(t, s.Digest(), "# SHA512 HASH")

	a, err := s.Arch()
	require.NoError(t, err)
	assert.Equal(t, arch.X86_64, a)

	require.NoError(t, s.Verify())

	dest := t.TempDir()
	require.NoError(t, s.Unpack(context.Background(), dest))
	assert.FileExists(t, filepath.Join(dest, "etc", "os-release"))
}

func TestStage3ArchiveDigestMismatch(t *testing.T) {
	path := writeStage3(t, "stage3-arm64-systemd-20240101T170000Z.tar.gz")
	require.NoError(t, os.WriteFile(path, []byte("tampered"), 0o644))

	s, err := NewGentooStage3Archive(path, "")
	require.NoError(t, err)
	assert.True(t, errdefs.IsInstallMedia(s.Verify()))
}

func TestStage3ArchiveArchFromName(t *testing.T) {
	dir := t.TempDir()
	for name, wantErr := range map[string]bool{
		"stage3-x86-openrc-1.tar.xz":   false,
		"stage3-sparc-openrc-1.tar.xz": true,
		"rootfs.tar.xz":                true,
	} {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, nil, 0o644))
		require.NoError(t, os.WriteFile(path+".DIGESTS", nil, 0o644))

		s, err := NewGentooStage3Archive(path, "")
		require.NoError(t, err)
		_, err = s.Arch()
		if wantErr {
			assert.True(t, errdefs.IsInstallMedia(err), name)
		} else {
			assert.NoError(t, err, name)
		}
	}
}

func TestStage3ArchiveRequiresDigests(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stage3-amd64-openrc-1.tar.xz")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	_, err := NewGentooStage3Archive(path, "")
	assert.Error(t, err)

	_, err = NewGentooStage3Archive("/srv/stage3.zip", "")
	assert.True(t, errdefs.IsInstallMedia(err))
}
