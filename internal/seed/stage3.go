// Package seed provides the root filesystems a Gentoo build starts from.
package seed

import (
	"bufio"
	"context"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cochaviz/stage4/arch"
	"github.com/cochaviz/stage4/internal/archive"
	"github.com/cochaviz/stage4/internal/errdefs"
)

// Seed is an initial root filesystem.
type Seed interface {
	Arch() (arch.Architecture, error)
	// Verify checks the seed against its published digests.
	Verify() error
	Unpack(ctx context.Context, targetDir string) error
}

// GentooStage3Archive is a stage3 tarball on the host, named like
// stage3-amd64-openrc-20240101T170000Z.tar.xz, with its DIGESTS file.
type GentooStage3Archive struct {
	path       string
	digestPath string
	digests    string
}

var _ Seed = (*GentooStage3Archive)(nil)

// NewGentooStage3Archive opens the archive's digest file, which defaults to
// path + ".DIGESTS".
func NewGentooStage3Archive(path, digestPath string) (*GentooStage3Archive, error) {
	if _, err := archive.DetectCompression(path); err != nil {
		return nil, errdefs.InstallMediaf("invalid stage3 archive: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("stage3 archive: %w", err)
	}
	if digestPath == "" {
		digestPath = path + ".DIGESTS"
	}
	data, err := os.ReadFile(digestPath)
	if err != nil {
		return nil, fmt.Errorf("stage3 digests: %w", err)
	}
	return &GentooStage3Archive{path: path, digestPath: digestPath, digests: string(data)}, nil
}

func (s *GentooStage3Archive) Path() string       { return s.path }
func (s *GentooStage3Archive) DigestPath() string { return s.digestPath }

// Digest returns the raw content of the digest file.
func (s *GentooStage3Archive) Digest() string {
	return s.digests
}

// Arch reads the architecture from the archive's file name.
func (s *GentooStage3Archive) Arch() (arch.Architecture, error) {
	parts := strings.Split(filepath.Base(s.path), "-")
	if len(parts) < 3 || parts[0] != "stage3" {
		return "", errdefs.InstallMediaf("cannot determine architecture of %s", filepath.Base(s.path))
	}
	a := arch.Normalize(parts[1])
	if a == "" {
		return "", errdefs.InstallMediaf("unsupported stage3 architecture %q", parts[1])
	}
	return a, nil
}

// Verify compares the archive's SHA512 with the entry in the digest file.
func (s *GentooStage3Archive) Verify() error {
	want, err := sha512Entry(s.digests, filepath.Base(s.path))
	if err != nil {
		return err
	}
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()
	h := sha512.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("hash %s: %w", filepath.Base(s.path), err)
	}
	if hex.EncodeToString(h.Sum(nil)) != want {
		return errdefs.InstallMediaf("SHA512 mismatch for %s", filepath.Base(s.path))
	}
	return nil
}

func (s *GentooStage3Archive) Unpack(ctx context.Context, targetDir string) error {
	return archive.ExtractFile(ctx, s.path, targetDir)
}

// sha512Entry finds the hash listed for name under a "# SHA512 HASH" header.
// Clearsigned digest files carry the same lines between the PGP armor.
func sha512Entry(digests, name string) (string, error) {
	sc := bufio.NewScanner(strings.NewReader(digests))
	inSHA512 := false
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "#") {
			inSHA512 = strings.EqualFold(line, "# SHA512 HASH")
			continue
		}
		if !inSHA512 {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[1] == name && len(fields[0]) == sha512.Size*2 {
			return strings.ToLower(fields[0]), nil
		}
	}
	return "", errdefs.InstallMediaf("no SHA512 digest for %s", name)
}
