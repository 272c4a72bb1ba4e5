package repository

import (
	"fmt"
	"net/url"
	"slices"

	"github.com/cochaviz/stage4/internal/errdefs"
)

// OverlayFromHost bind-mounts an overlay checked out on the host.
type OverlayFromHost struct {
	name    string
	hostDir string
}

var _ Mount = (*OverlayFromHost)(nil)

func NewOverlayFromHost(name, hostDir string) (*OverlayFromHost, error) {
	if err := checkOverlayName(name); err != nil {
		return nil, err
	}
	if hostDir == "" {
		return nil, &errdefs.RepositoryError{Name: name, Message: "host directory is empty"}
	}
	return &OverlayFromHost{name: name, hostDir: hostDir}, nil
}

func (o *OverlayFromHost) Name() string        { return o.name }
func (o *OverlayFromHost) DataDirPath() string { return overlayDataDir(o.name) }

func (o *OverlayFromHost) MountParams() (string, []string) {
	return o.hostDir, []string{"bind"}
}

var syncSchemes = map[string][]string{
	"git": {"git", "http", "https"},
}

// UserDefinedOverlay is an overlay maintained outside the Gentoo overlay
// registry and synced by emerge.
type UserDefinedOverlay struct {
	name     string
	syncType string
	syncURI  string
}

var _ EmergeSync = (*UserDefinedOverlay)(nil)

func NewUserDefinedOverlay(name, syncType, syncURI string) (*UserDefinedOverlay, error) {
	if err := checkOverlayName(name); err != nil {
		return nil, err
	}
	schemes, ok := syncSchemes[syncType]
	if !ok {
		return nil, &errdefs.RepositoryError{Name: name, Message: fmt.Sprintf("unsupported sync type %q", syncType)}
	}
	u, err := url.Parse(syncURI)
	if err != nil || !slices.Contains(schemes, u.Scheme) || u.Host == "" {
		return nil, &errdefs.RepositoryError{Name: name, Message: fmt.Sprintf("invalid %s sync uri %q", syncType, syncURI)}
	}
	return &UserDefinedOverlay{name: name, syncType: syncType, syncURI: syncURI}, nil
}

func (o *UserDefinedOverlay) Name() string        { return o.name }
func (o *UserDefinedOverlay) DataDirPath() string { return overlayDataDir(o.name) }
func (o *UserDefinedOverlay) SyncType() string    { return o.syncType }

func (o *UserDefinedOverlay) ReposConfContent() string {
	return reposConf(o.name, o.DataDirPath(), o.syncType, o.syncURI)
}
