// Package config reads build files: YAML documents describing the settings,
// the target and the inputs of one build.
//
// Relative paths in a build file are resolved against the directory holding
// it.
package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/cochaviz/stage4/internal/errdefs"
	"github.com/cochaviz/stage4/internal/repository"
	"github.com/cochaviz/stage4/internal/script"
	"github.com/cochaviz/stage4/internal/seed"
	"github.com/cochaviz/stage4/internal/settings"
	"github.com/cochaviz/stage4/internal/shell"
)

// File is a decoded build file.
type File struct {
	Settings settings.Settings       `yaml:"settings"`
	Target   settings.TargetSettings `yaml:"target"`
	Gentoo   *Gentoo                 `yaml:"gentoo"`
	Windows  *Windows                `yaml:"windows"`
	// Scripts customize the system, in order.
	Scripts []Script `yaml:"scripts"`

	dir string
}

// Gentoo holds the inputs of a Gentoo build.
type Gentoo struct {
	Stage3       string     `yaml:"stage3"`
	Digests      string     `yaml:"digests"`
	Repository   Repository `yaml:"repository"`
	Overlays     []Overlay  `yaml:"overlays"`
	Packages     []string   `yaml:"packages"`
	Services     []string   `yaml:"services"`
	RootPassword string     `yaml:"root_password"`
}

// Repository selects how the main gentoo tree is provided. Type is one of
// "cloud", "snapshot", "squashfs" or "host".
type Repository struct {
	Type    string `yaml:"type"`
	Path    string `yaml:"path"`
	Digest  string `yaml:"digest"`
	SyncURI string `yaml:"sync_uri"`
}

// Overlay is either mounted from HostDir or synced from SyncURI.
type Overlay struct {
	Name     string `yaml:"name"`
	HostDir  string `yaml:"host_dir"`
	SyncType string `yaml:"sync_type"`
	SyncURI  string `yaml:"sync_uri"`
}

// Windows holds the inputs of a Windows build.
type Windows struct {
	InstallISO   string   `yaml:"install_iso"`
	DiskSize     string   `yaml:"disk_size"`
	Network      string   `yaml:"network"`
	Addons       []Script `yaml:"addons"`
	Applications []Script `yaml:"applications"`
}

// Script describes one script. Exactly one of Buffer, Command, HostFile,
// HostDir and Files must be set.
type Script struct {
	Description string        `yaml:"description"`
	Buffer      string        `yaml:"buffer"`
	Command     string        `yaml:"command"`
	Executor    string        `yaml:"executor"`
	HostFile    string        `yaml:"host_file"`
	HostDir     string        `yaml:"host_dir"`
	Entry       string        `yaml:"entry"`
	Files       []PlacedEntry `yaml:"files"`
}

// PlacedEntry is one file, directory or symlink installed by a Files script.
type PlacedEntry struct {
	Target   string `yaml:"target"`
	Content  string `yaml:"content"`
	HostPath string `yaml:"host_path"`
	Link     string `yaml:"link"`
	Dir      bool   `yaml:"dir"`
	UID      int    `yaml:"uid"`
	GID      int    `yaml:"gid"`
	Mode     string `yaml:"mode"`
}

// Load reads and validates the build file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read build file: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	return Parse(data, filepath.Dir(abs))
}

// Parse decodes a build file whose relative paths are relative to dir.
// Unknown keys are rejected.
func Parse(data []byte, dir string) (*File, error) {
	f := &File{Settings: settings.Default(), dir: dir}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(f); err != nil && !errors.Is(err, io.EOF) {
		return nil, errdefs.Settingsf("decode build file: %v", err)
	}
	if err := f.Settings.Check(); err != nil {
		return nil, err
	}
	if err := f.Target.Check(); err != nil {
		return nil, err
	}
	switch {
	case f.Gentoo != nil && f.Windows != nil:
		return nil, errdefs.Settingsf("a build file describes either a gentoo or a windows build")
	case f.Gentoo == nil && f.Windows == nil:
		return nil, errdefs.Settingsf("a build file needs a gentoo or a windows section")
	case f.Windows != nil && f.Target.Category == "":
		return nil, errdefs.Settingsf("windows builds need a target category")
	case f.Gentoo != nil && f.Target.Category != "":
		return nil, errdefs.Settingsf("gentoo builds cannot have a target category")
	}
	for i, s := range f.Scripts {
		if err := s.check(); err != nil {
			return nil, fmt.Errorf("scripts[%d]: %w", i, err)
		}
	}
	if f.Windows != nil {
		for i, s := range f.Windows.Addons {
			if err := s.check(); err != nil {
				return nil, fmt.Errorf("windows.addons[%d]: %w", i, err)
			}
		}
		for i, s := range f.Windows.Applications {
			if err := s.check(); err != nil {
				return nil, fmt.Errorf("windows.applications[%d]: %w", i, err)
			}
		}
	}
	return f, nil
}

func (f *File) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(f.dir, p)
}

// IsWindows reports whether the file describes a Windows build.
func (f *File) IsWindows() bool {
	return f.Windows != nil
}

// Seed returns the stage3 archive the Gentoo build starts from.
func (f *File) Seed() (*seed.GentooStage3Archive, error) {
	if f.Gentoo == nil || f.Gentoo.Stage3 == "" {
		return nil, errdefs.Settingsf("gentoo.stage3 is required")
	}
	return seed.NewGentooStage3Archive(f.resolve(f.Gentoo.Stage3), f.resolve(f.Gentoo.Digests))
}

// GentooRepository returns the main tree. runner unpacks squashfs snapshots.
func (f *File) GentooRepository(runner shell.Runner) (repository.Repository, error) {
	r := f.Gentoo.Repository
	switch r.Type {
	case "", "cloud":
		return repository.CloudGentoo{SyncURI: r.SyncURI}, nil
	case "snapshot":
		return repository.NewGentooSnapshot(f.resolve(r.Path), f.resolve(r.Digest), runner)
	case "squashfs":
		return repository.NewGentooSnapshotSquashfs(f.resolve(r.Path))
	case "host":
		if r.Path == "" {
			return nil, errdefs.Settingsf("gentoo.repository.path is required for host repositories")
		}
		return repository.GentooFromHost{HostDir: f.resolve(r.Path)}, nil
	default:
		return nil, errdefs.Settingsf("invalid value of gentoo.repository.type %q", r.Type)
	}
}

// Overlays returns the overlays in file order.
func (f *File) Overlays() ([]repository.Repository, error) {
	var out []repository.Repository
	for _, o := range f.Gentoo.Overlays {
		switch {
		case o.HostDir != "" && o.SyncURI != "":
			return nil, errdefs.Settingsf("overlay %q sets both host_dir and sync_uri", o.Name)
		case o.HostDir != "":
			r, err := repository.NewOverlayFromHost(o.Name, f.resolve(o.HostDir))
			if err != nil {
				return nil, err
			}
			out = append(out, r)
		default:
			syncType := o.SyncType
			if syncType == "" {
				syncType = "git"
			}
			r, err := repository.NewUserDefinedOverlay(o.Name, syncType, o.SyncURI)
			if err != nil {
				return nil, err
			}
			out = append(out, r)
		}
	}
	return out, nil
}

// CustomizeScripts returns the customization scripts. A configured root
// password is appended as the last script, hashed first when given in clear
// text.
func (f *File) CustomizeScripts(ctx context.Context, runner shell.Runner) ([]script.Script, error) {
	scripts, err := f.scripts(f.Scripts)
	if err != nil {
		return nil, err
	}
	if f.Gentoo == nil || f.Gentoo.RootPassword == "" {
		return scripts, nil
	}
	hash := f.Gentoo.RootPassword
	if !script.PasswordIsCrypted(hash) {
		if hash, err = script.HashPassword(ctx, runner, hash); err != nil {
			return nil, err
		}
	}
	if script.Contains(scripts, script.SetRootPassword(hash)) {
		return nil, errdefs.Settingsf("a script is already named %q", script.SetRootPassword(hash).Description())
	}
	return script.AddSetRootPassword(scripts, hash), nil
}

// Addons returns the Windows add-ons.
func (f *File) Addons() ([]script.Script, error) {
	return f.scripts(f.Windows.Addons)
}

// Applications returns the Windows application installers.
func (f *File) Applications() ([]script.Script, error) {
	return f.scripts(f.Windows.Applications)
}

// InstallISO is the vendor installation image of a Windows build.
func (f *File) InstallISO() (string, error) {
	if f.Windows.InstallISO == "" {
		return "", errdefs.Settingsf("windows.install_iso is required")
	}
	return f.resolve(f.Windows.InstallISO), nil
}

// DiskSize parses windows.disk_size, such as "20GiB". Zero means the
// builder's default.
func (f *File) DiskSize() (uint64, error) {
	if f.Windows.DiskSize == "" {
		return 0, nil
	}
	size, err := humanize.ParseBytes(f.Windows.DiskSize)
	if err != nil {
		return 0, errdefs.Settingsf("invalid value of windows.disk_size %q", f.Windows.DiskSize)
	}
	return size, nil
}

func (f *File) scripts(specs []Script) ([]script.Script, error) {
	out := make([]script.Script, 0, len(specs))
	for _, spec := range specs {
		s, err := spec.build(f.resolve)
		if err != nil {
			return nil, err
		}
		if script.Contains(out, s) {
			return nil, errdefs.Settingsf("duplicate script %q", s.Description())
		}
		out = append(out, s)
	}
	return out, nil
}

func (s Script) sources() int {
	n := 0
	for _, set := range []bool{s.Buffer != "", s.Command != "", s.HostFile != "", s.HostDir != "", len(s.Files) > 0} {
		if set {
			n++
		}
	}
	return n
}

// check catches what the script constructors would panic on.
func (s Script) check() error {
	if s.Description == "" {
		return errdefs.Settingsf("script description is empty")
	}
	if s.sources() != 1 {
		return errdefs.Settingsf("script %q needs exactly one of buffer, command, host_file, host_dir and files", s.Description)
	}
	if s.HostDir != "" && (s.Entry == "" || strings.ContainsRune(s.Entry, '/')) {
		return errdefs.Settingsf("script %q needs an entry file name inside host_dir", s.Description)
	}
	for _, e := range s.Files {
		if !filepath.IsAbs(e.Target) || filepath.Clean(e.Target) == "/" {
			return errdefs.Settingsf("script %q: target %q must be an absolute non-root path", s.Description, e.Target)
		}
		if _, err := e.mode(); err != nil {
			return errdefs.Settingsf("script %q: %v", s.Description, err)
		}
	}
	return nil
}

func (s Script) build(resolve func(string) string) (script.Script, error) {
	switch {
	case s.Buffer != "":
		return script.NewFromBuffer(s.Description, s.Buffer), nil
	case s.Command != "":
		if s.Executor != "" {
			return script.NewOneLinerWith(s.Description, s.Command, s.Executor), nil
		}
		return script.NewOneLiner(s.Description, s.Command), nil
	case s.HostFile != "":
		return script.NewFromHostFile(s.Description, resolve(s.HostFile)), nil
	case s.HostDir != "":
		return script.NewFromHostDir(s.Description, resolve(s.HostDir), s.Entry), nil
	}

	p := script.NewPlacingFiles(s.Description)
	for _, e := range s.Files {
		mode, _ := e.mode()
		switch {
		case e.Link != "":
			p.AddSymlink(e.Target, e.Link, e.UID, e.GID)
		case e.Dir && e.HostPath != "":
			// mode applies to the copied files
			fileMode := fs.FileMode(0o644)
			if e.Mode != "" {
				fileMode = mode
			}
			p.AddHostDir(e.Target, resolve(e.HostPath), e.UID, e.GID, 0o755, fileMode)
		case e.Dir:
			p.AddDir(e.Target, e.UID, e.GID, mode)
		case e.HostPath != "":
			info, err := os.Lstat(resolve(e.HostPath))
			if err != nil {
				return nil, fmt.Errorf("script %q: %w", s.Description, err)
			}
			if info.Mode()&fs.ModeSymlink != 0 {
				p.AddHostSymlink(e.Target, resolve(e.HostPath), e.UID, e.GID)
				continue
			}
			p.AddHostFile(e.Target, resolve(e.HostPath), e.UID, e.GID, mode)
		default:
			p.AddFile(e.Target, []byte(e.Content), e.UID, e.GID, mode)
		}
	}
	return p, nil
}

// mode parses the octal mode, 0644 for files and 0755 for directories when
// unset.
func (e PlacedEntry) mode() (fs.FileMode, error) {
	if e.Mode == "" {
		if e.Dir {
			return 0o755, nil
		}
		return 0o644, nil
	}
	m, err := strconv.ParseUint(e.Mode, 8, 32)
	if err != nil || m > 0o777 {
		return 0, fmt.Errorf("invalid mode %q for %s", e.Mode, e.Target)
	}
	return fs.FileMode(m), nil
}
