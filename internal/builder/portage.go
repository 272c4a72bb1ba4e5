package builder

import (
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/cochaviz/stage4/internal/chroot"
	"github.com/cochaviz/stage4/internal/repository"
	"github.com/cochaviz/stage4/internal/settings"
)

const (
	portageConfDir = "/etc/portage"
	reposConfDir   = "/etc/portage/repos.conf"
	worldFile      = "/var/lib/portage/world"
	pkgDBDir       = "/var/db/pkg"

	defaultCFlags = "-O2 -pipe"

	// Keys in the repos.conf entry of a mounted repository. Portage does not
	// use them; sessions read them back.
	mountSourceKey  = "stage4-mount-source"
	mountOptionsKey = "stage4-mount-options"
)

// degentooPaths are removed from the target when the package manager's state
// is erased.
var degentooPaths = []string{
	portageConfDir,
	"/var/lib/portage",
	pkgDBDir,
	"/var/db/repos",
	repository.OverlayDir,
	"/var/cache/edb",
	chroot.DistfilesDir,
	chroot.BinpkgsDir,
	chroot.CcacheDir,
}

func hostPath(root, inner string) string {
	return filepath.Join(root, strings.TrimPrefix(inner, "/"))
}

// renderMakeConf produces /etc/portage/make.conf for the target.
func renderMakeConf(programName string, t *settings.TargetSettings, withLogDir bool) string {
	mc := t.MakeConf
	var b strings.Builder
	fmt.Fprintf(&b, "# This file is generated by %s.\n\n", programName)

	cflags := mc.CFlags
	if cflags == "" {
		cflags = defaultCFlags
	}
	cxxflags := mc.CXXFlags
	if cxxflags == "" {
		cxxflags = "${CFLAGS}"
	}
	fmt.Fprintf(&b, "CFLAGS=%q\n", cflags)
	fmt.Fprintf(&b, "CXXFLAGS=%q\n", cxxflags)
	if mc.MakeOpts != "" {
		fmt.Fprintf(&b, "MAKEOPTS=%q\n", mc.MakeOpts)
	}

	features := slices.Clone(mc.Features)
	if t.BuildOptions.Ccache && !slices.Contains(features, "ccache") {
		features = append(features, "ccache")
	}
	if len(features) > 0 {
		fmt.Fprintf(&b, "FEATURES=%q\n", strings.Join(features, " "))
	}
	if len(mc.Use) > 0 {
		fmt.Fprintf(&b, "USE=%q\n", strings.Join(mc.Use, " "))
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "DISTDIR=%q\n", chroot.DistfilesDir)
	fmt.Fprintf(&b, "PKGDIR=%q\n", chroot.BinpkgsDir)
	if withLogDir {
		fmt.Fprintf(&b, "PORTAGE_LOGDIR=%q\n", chroot.LogDir)
	}
	if t.BuildOptions.Ccache {
		fmt.Fprintf(&b, "CCACHE_DIR=%q\n", chroot.CcacheDir)
	}

	if len(mc.Extra) > 0 {
		b.WriteString("\n")
		for _, key := range slices.Sorted(maps.Keys(mc.Extra)) {
			fmt.Fprintf(&b, "%s=%q\n", key, mc.Extra[key])
		}
	}

	b.WriteString("\nLC_MESSAGES=C.utf8\n")
	return b.String()
}

// writeConfigFile replaces /etc/portage/<name> with either a single file or a
// directory of numbered fragments. An empty ConfigFile leaves the stage's own
// file in place.
func writeConfigFile(root, name string, file settings.ConfigFile) error {
	if file.Empty() {
		return nil
	}
	path := hostPath(root, filepath.Join(portageConfDir, name))
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("replace %s: %w", name, err)
	}
	if len(file.Fragments) == 0 {
		return os.WriteFile(path, []byte(joinLines(file.Lines)), 0o644)
	}
	if err := os.Mkdir(path, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}
	for i, f := range file.Fragments {
		fragment := filepath.Join(path, fmt.Sprintf("%02d-%s", i+1, f.Name))
		if err := os.WriteFile(fragment, []byte(joinLines(f.Lines)), 0o644); err != nil {
			return fmt.Errorf("write %s fragment %s: %w", name, f.Name, err)
		}
	}
	return nil
}

func joinLines(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

func reposConfPath(root, name string) string {
	return hostPath(root, filepath.Join(reposConfDir, name+".conf"))
}

func writeReposConf(root, name, content string) error {
	dir := hostPath(root, reposConfDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create repos.conf: %w", err)
	}
	return os.WriteFile(reposConfPath(root, name), []byte(content), 0o644)
}

// mountReposConf describes a mounted repository to portage and keeps its
// mount parameters next to it.
func mountReposConf(m repository.Mount) string {
	source, options := m.MountParams()
	f := ini.Empty()
	sec := f.Section(m.Name())
	sec.Key("location").SetValue(m.DataDirPath())
	sec.Key("auto-sync").SetValue("no")
	sec.Key(mountSourceKey).SetValue(source)
	sec.Key(mountOptionsKey).SetValue(strings.Join(options, ","))
	var b strings.Builder
	if _, err := f.WriteTo(&b); err != nil {
		panic(fmt.Sprintf("render repos.conf for %s: %v", m.Name(), err))
	}
	return b.String()
}

// mountedRepositories reads the mount parameters recorded in the target's
// repos.conf directory. Every section of every file is considered.
func mountedRepositories(root string) ([]chroot.RepositoryMount, error) {
	dir := hostPath(root, reposConfDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read repos.conf: %w", err)
	}
	var mounts []chroot.RepositoryMount
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".conf" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		f, err := ini.Load(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		for _, sec := range f.Sections() {
			if m, ok := repositoryMount(sec); ok {
				mounts = append(mounts, m)
			}
		}
	}
	return mounts, nil
}

func repositoryMount(sec *ini.Section) (chroot.RepositoryMount, bool) {
	if sec.Name() == ini.DefaultSection || !sec.HasKey(mountSourceKey) || !sec.HasKey(mountOptionsKey) {
		return chroot.RepositoryMount{}, false
	}
	m := chroot.RepositoryMount{
		Name:    sec.Name(),
		DataDir: sec.Key("location").String(),
		Source:  sec.Key(mountSourceKey).String(),
	}
	if m.DataDir == "" || m.Source == "" {
		return chroot.RepositoryMount{}, false
	}
	if options := sec.Key(mountOptionsKey).String(); options != "" {
		m.Options = strings.Split(options, ",")
	}
	return m, true
}

// mergeWorld adds packages to the target's world file, keeping existing
// entries and one atom per line.
func mergeWorld(root string, packages []string) error {
	path := hostPath(root, worldFile)
	var atoms []string
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		atoms = strings.Fields(string(data))
	case errors.Is(err, fs.ErrNotExist):
	default:
		return fmt.Errorf("read world file: %w", err)
	}
	atoms = append(atoms, packages...)
	slices.Sort(atoms)
	atoms = slices.Compact(atoms)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(joinLines(atoms)), 0o644)
}

// hasInstalledPackage reports whether the package database in root contains
// an installed version of atom, given as category/name.
func hasInstalledPackage(root, atom string) (bool, error) {
	category, name, ok := strings.Cut(atom, "/")
	if !ok {
		return false, nil
	}
	entries, err := os.ReadDir(hostPath(root, filepath.Join(pkgDBDir, category)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	for _, entry := range entries {
		rest, ok := strings.CutPrefix(entry.Name(), name+"-")
		if ok && rest != "" && rest[0] >= '0' && rest[0] <= '9' {
			return true, nil
		}
	}
	return false, nil
}
