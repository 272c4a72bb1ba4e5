package repository

import (
	"bufio"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cochaviz/stage4/internal/archive"
	"github.com/cochaviz/stage4/internal/errdefs"
	"github.com/cochaviz/stage4/internal/shell"
)

// DefaultRsyncURI is the Gentoo rsync rotation.
var DefaultRsyncURI = "rsync://rsync.gentoo.org/gentoo-portage"

// CloudGentoo syncs the main tree over rsync with emerge --sync.
type CloudGentoo struct {
	SyncURI string
}

var _ EmergeSync = CloudGentoo{}

func (CloudGentoo) Name() string        { return GentooName }
func (CloudGentoo) DataDirPath() string { return GentooDataDir }
func (CloudGentoo) SyncType() string    { return "rsync" }

func (c CloudGentoo) ReposConfContent() string {
	uri := c.SyncURI
	if uri == "" {
		uri = DefaultRsyncURI
	}
	return reposConf(GentooName, GentooDataDir, "rsync", uri,
		"sync-rsync-verify-jobs", "1",
		"sync-rsync-verify-metamanifest", "yes",
		"sync-rsync-verify-max-age", "24",
		"sync-openpgp-key-path", "/usr/share/openpgp-keys/gentoo-release.asc",
		"sync-openpgp-key-refresh-retry-count", "40",
		"sync-openpgp-key-refresh-retry-overall-timeout", "1200",
		"sync-openpgp-key-refresh-retry-delay-exp-base", "2",
		"sync-openpgp-key-refresh-retry-delay-max", "60",
		"sync-openpgp-key-refresh-retry-delay-mult", "4",
	)
}

// GentooSnapshot unpacks a portage snapshot file into the target. Tarballs
// are extracted directly, squashfs images with unsquashfs on the host.
type GentooSnapshot struct {
	path       string
	digestPath string
	runner     shell.Runner
}

var _ ManualSync = (*GentooSnapshot)(nil)

// NewGentooSnapshot validates the file names. digestPath is optional and
// must be path plus ".md5sum", ".umd5sum" or ".gpgsig".
func NewGentooSnapshot(path, digestPath string, runner shell.Runner) (*GentooSnapshot, error) {
	if !hasAnySuffix(path, ".tar.xz", ".lzo.sqfs", ".xz.sqfs") {
		return nil, &errdefs.RepositoryError{Name: GentooName, Message: fmt.Sprintf("unsupported snapshot %s", filepath.Base(path))}
	}
	if digestPath != "" && digestPath != path+".md5sum" && digestPath != path+".umd5sum" && digestPath != path+".gpgsig" {
		return nil, &errdefs.RepositoryError{Name: GentooName, Message: fmt.Sprintf("digest file %s does not belong to %s", filepath.Base(digestPath), filepath.Base(path))}
	}
	return &GentooSnapshot{path: path, digestPath: digestPath, runner: runner}, nil
}

func (*GentooSnapshot) Name() string        { return GentooName }
func (*GentooSnapshot) DataDirPath() string { return GentooDataDir }

func (s *GentooSnapshot) Sync(ctx context.Context, hostDataDir string) error {
	if err := s.verify(); err != nil {
		return err
	}
	if strings.HasSuffix(s.path, ".tar.xz") {
		return archive.ExtractFile(ctx, s.path, hostDataDir)
	}
	if s.runner == nil {
		return &errdefs.RepositoryError{Name: GentooName, Message: "squashfs snapshots need a command runner"}
	}
	_, err := s.runner.Call(ctx, shell.Command{
		Path: "unsquashfs",
		Args: []string{"-f", "-d", hostDataDir, s.path},
		Env:  []string{"PATH=/bin:/usr/bin:/sbin:/usr/sbin", "LANG=C.utf8"},
	})
	return err
}

// verify checks md5 digests. Signatures are checked by emerge inside the
// target, not here.
func (s *GentooSnapshot) verify() error {
	if s.digestPath == "" || strings.HasSuffix(s.digestPath, ".gpgsig") {
		return nil
	}
	want, err := readMD5Digest(s.digestPath)
	if err != nil {
		return err
	}
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return err
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != want {
		return &errdefs.RepositoryError{Name: GentooName, Message: fmt.Sprintf("digest mismatch for %s", filepath.Base(s.path))}
	}
	return nil
}

func readMD5Digest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) > 0 && len(fields[0]) == md5.Size*2 {
			return strings.ToLower(fields[0]), nil
		}
	}
	if err := sc.Err(); err != nil {
		return "", err
	}
	return "", &errdefs.RepositoryError{Name: GentooName, Message: fmt.Sprintf("no digest in %s", filepath.Base(path))}
}

// GentooSnapshotSquashfs mounts a squashfs snapshot read-only.
type GentooSnapshotSquashfs struct {
	path string
}

var _ Mount = (*GentooSnapshotSquashfs)(nil)

func NewGentooSnapshotSquashfs(path string) (*GentooSnapshotSquashfs, error) {
	if !hasAnySuffix(path, ".lzo.sqfs", ".xz.sqfs") {
		return nil, &errdefs.RepositoryError{Name: GentooName, Message: fmt.Sprintf("unsupported squashfs snapshot %s", filepath.Base(path))}
	}
	return &GentooSnapshotSquashfs{path: path}, nil
}

func (*GentooSnapshotSquashfs) Name() string        { return GentooName }
func (*GentooSnapshotSquashfs) DataDirPath() string { return GentooDataDir }

func (s *GentooSnapshotSquashfs) MountParams() (string, []string) {
	return s.path, []string{"loop"}
}

// GentooFromHost bind-mounts the host's own gentoo tree.
type GentooFromHost struct {
	HostDir string
}

var _ Mount = GentooFromHost{}

func (GentooFromHost) Name() string        { return GentooName }
func (GentooFromHost) DataDirPath() string { return GentooDataDir }

func (g GentooFromHost) MountParams() (string, []string) {
	return g.HostDir, []string{"bind"}
}

func hasAnySuffix(s string, suffixes ...string) bool {
	for _, suffix := range suffixes {
		if strings.HasSuffix(s, suffix) {
			return true
		}
	}
	return false
}
