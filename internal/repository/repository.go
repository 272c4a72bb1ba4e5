// Package repository describes the package repositories a Gentoo build
// materialises in its target: the main "gentoo" tree and any overlays.
//
// A repository is synced by the builder itself (ManualSync), by emerge from a
// repos.conf entry (EmergeSync) or mounted from the host for the duration of
// every chroot session (Mount).
package repository

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"regexp"

	"gopkg.in/ini.v1"

	"github.com/cochaviz/stage4/internal/errdefs"
)

const (
	GentooName    = "gentoo"
	GentooDataDir = "/var/db/repos/gentoo"
	OverlayDir    = "/var/db/overlays"
)

// Repository is a package source with a name and a data directory inside the
// target.
type Repository interface {
	Name() string
	DataDirPath() string
}

// ManualSync repositories populate their data directory from the host.
type ManualSync interface {
	Repository
	Sync(ctx context.Context, hostDataDir string) error
}

// EmergeSync repositories are declared in repos.conf and synced by emerge.
type EmergeSync interface {
	Repository
	ReposConfContent() string
	SyncType() string
}

// Mount repositories are mounted onto their data directory.
type Mount interface {
	Repository
	MountParams() (source string, options []string)
}

type Kind int

const (
	KindManual Kind = iota + 1
	KindEmerge
	KindMount
)

func (k Kind) String() string {
	switch k {
	case KindManual:
		return "manual"
	case KindEmerge:
		return "emerge"
	case KindMount:
		return "mount"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Classify returns the single sync capability of r.
func Classify(r Repository) (Kind, error) {
	var kinds []Kind
	if _, ok := r.(ManualSync); ok {
		kinds = append(kinds, KindManual)
	}
	if _, ok := r.(EmergeSync); ok {
		kinds = append(kinds, KindEmerge)
	}
	if _, ok := r.(Mount); ok {
		kinds = append(kinds, KindMount)
	}
	if len(kinds) != 1 {
		return 0, &errdefs.RepositoryError{Name: r.Name(), Message: fmt.Sprintf("must have exactly one sync capability, has %d", len(kinds))}
	}
	if !path.IsAbs(r.DataDirPath()) {
		return 0, &errdefs.RepositoryError{Name: r.Name(), Message: fmt.Sprintf("data directory %q is not absolute", r.DataDirPath())}
	}
	return kinds[0], nil
}

// NeedsGit reports whether emerge needs dev-vcs/git to sync r.
func NeedsGit(r Repository) bool {
	e, ok := r.(EmergeSync)
	return ok && e.SyncType() == "git"
}

var overlayName = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_-]*$`)

func checkOverlayName(name string) error {
	if !overlayName.MatchString(name) || name == GentooName {
		return &errdefs.RepositoryError{Name: name, Message: "invalid overlay name"}
	}
	return nil
}

func overlayDataDir(name string) string {
	return path.Join(OverlayDir, name)
}

// reposConf renders the repos.conf entry of an emerge-synced repository.
// extra holds further key, value pairs.
func reposConf(name, location, syncType, syncURI string, extra ...string) string {
	f := ini.Empty()
	sec := f.Section(name)
	sec.Key("location").SetValue(location)
	sec.Key("sync-type").SetValue(syncType)
	sec.Key("sync-uri").SetValue(syncURI)
	sec.Key("auto-sync").SetValue("yes")
	for i := 0; i+1 < len(extra); i += 2 {
		sec.Key(extra[i]).SetValue(extra[i+1])
	}
	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		panic(fmt.Sprintf("render repos.conf for %s: %v", name, err))
	}
	return buf.String()
}
