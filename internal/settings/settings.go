// Package settings holds the validated inputs of a build: process-wide
// Settings and the TargetSettings describing the image to produce.
package settings

import (
	"path/filepath"
	"regexp"
	"slices"

	"github.com/cochaviz/stage4/arch"
	"github.com/cochaviz/stage4/internal/errdefs"
)

const DefaultProgramName = "stage4"

// Settings are the process-wide options of a build.
type Settings struct {
	ProgramName string `yaml:"program_name"`
	LogDir      string `yaml:"log_dir"`
	// VerboseLevel is 0 (quiet), 1 (normal) or 2 (debug).
	VerboseLevel int `yaml:"verbose_level"`

	HostDistfilesDir string `yaml:"host_distfiles_dir"`
	HostPackagesDir  string `yaml:"host_packages_dir"`
	HostCcacheDir    string `yaml:"host_ccache_dir"`
}

// Default returns settings with the program name set and normal verbosity.
func Default() Settings {
	return Settings{ProgramName: DefaultProgramName, VerboseLevel: 1}
}

// Quiet reports whether command and script output should be suppressed.
func (s *Settings) Quiet() bool {
	return s.VerboseLevel == 0
}

// Check validates s and returns a SettingsError naming the first bad key.
func (s *Settings) Check() error {
	if s == nil {
		return errdefs.Settingsf("settings are missing")
	}
	if s.ProgramName == "" {
		return errdefs.Settingsf("invalid value for key %q", "program_name")
	}
	for _, d := range []struct{ key, dir string }{
		{"log_dir", s.LogDir},
		{"host_distfiles_dir", s.HostDistfilesDir},
		{"host_packages_dir", s.HostPackagesDir},
		{"host_ccache_dir", s.HostCcacheDir},
	} {
		if d.dir != "" && !filepath.IsAbs(d.dir) {
			return errdefs.Settingsf("invalid value for key %q: %q is not absolute", d.key, d.dir)
		}
	}
	if s.VerboseLevel < 0 || s.VerboseLevel > 2 {
		return errdefs.Settingsf("invalid value for key %q", "verbose_level")
	}
	return nil
}

// Valid is the non-raising form of Check.
func (s *Settings) Valid() bool {
	return s.Check() == nil
}

type PackageManager string

const (
	PackageManagerNone    PackageManager = ""
	PackageManagerPortage PackageManager = "portage"
)

type KernelManager string

const (
	KernelManagerNone      KernelManager = "none"
	KernelManagerFake      KernelManager = "fake"
	KernelManagerGenkernel KernelManager = "genkernel"
)

type ServiceManager string

const (
	ServiceManagerNone    ServiceManager = "none"
	ServiceManagerOpenRC  ServiceManager = "openrc"
	ServiceManagerSystemd ServiceManager = "systemd"
)

// ConfigFile is one portage configuration file such as package.use. When
// Fragments is empty the file is written from Lines; otherwise it becomes a
// directory holding one numbered file per fragment.
type ConfigFile struct {
	Lines     []string   `yaml:"lines"`
	Fragments []Fragment `yaml:"fragments"`
}

// Fragment is a named piece of a split configuration file.
type Fragment struct {
	Name  string   `yaml:"name"`
	Lines []string `yaml:"lines"`
}

func (c ConfigFile) Empty() bool {
	return len(c.Lines) == 0 && len(c.Fragments) == 0
}

// MakeConf holds the variables written to /etc/portage/make.conf.
type MakeConf struct {
	CFlags   string            `yaml:"cflags"`
	CXXFlags string            `yaml:"cxxflags"`
	MakeOpts string            `yaml:"makeopts"`
	Features []string          `yaml:"features"`
	Use      []string          `yaml:"use"`
	Extra    map[string]string `yaml:"extra"`
}

// BuildOptions toggle optional build behaviour.
type BuildOptions struct {
	// Ccache requires a ccache package in the world set and binds the host
	// ccache directory into the target.
	Ccache bool `yaml:"ccache"`
	// DeGentoo erases the package manager's state during cleanup.
	DeGentoo bool `yaml:"degentoo"`
}

// TargetSettings describe the image to build.
type TargetSettings struct {
	Arch arch.Architecture `yaml:"arch"`

	// Windows targets.
	Category   Category `yaml:"category"`
	Edition    Edition  `yaml:"edition"`
	Lang       Lang     `yaml:"lang"`
	ProductKey string   `yaml:"product_key"`
	Timezone   string   `yaml:"timezone"`

	// Gentoo targets.
	PackageManager PackageManager `yaml:"package_manager"`
	KernelManager  KernelManager  `yaml:"kernel_manager"`
	ServiceManager ServiceManager `yaml:"service_manager"`

	MakeConf              MakeConf   `yaml:"make_conf"`
	PackageUse            ConfigFile `yaml:"package_use"`
	PackageMask           ConfigFile `yaml:"package_mask"`
	PackageUnmask         ConfigFile `yaml:"package_unmask"`
	PackageAcceptKeywords ConfigFile `yaml:"package_accept_keywords"`
	PackageLicense        ConfigFile `yaml:"package_license"`

	BuildOptions BuildOptions `yaml:"build_options"`
}

var (
	fragmentName = regexp.MustCompile(`^[A-Za-z0-9_.+-]+$`)
	productKey   = regexp.MustCompile(`^([A-Z0-9]{5}-){4}[A-Z0-9]{5}$|^[0-9]{3}-[0-9]{7}$|^[0-9]{5}-OEM-[0-9]{7}-[0-9]{5}$`)
)

// Check validates t and returns a SettingsError describing the first
// inconsistency.
func (t *TargetSettings) Check() error {
	if t == nil {
		return errdefs.Settingsf("target settings are missing")
	}
	if !t.Arch.IsValid() {
		return errdefs.Settingsf("invalid value of arch %q", t.Arch)
	}

	if t.Category != "" {
		if err := t.checkWindows(); err != nil {
			return err
		}
	}

	switch t.PackageManager {
	case PackageManagerNone, PackageManagerPortage:
	default:
		return errdefs.Settingsf("invalid value of package_manager %q", t.PackageManager)
	}
	switch t.KernelManager {
	case "", KernelManagerNone, KernelManagerFake, KernelManagerGenkernel:
	default:
		return errdefs.Settingsf("invalid value of kernel_manager %q", t.KernelManager)
	}
	switch t.ServiceManager {
	case "", ServiceManagerNone, ServiceManagerOpenRC, ServiceManagerSystemd:
	default:
		return errdefs.Settingsf("invalid value of service_manager %q", t.ServiceManager)
	}

	for name, file := range t.ConfigFiles() {
		seen := map[string]bool{}
		for _, f := range file.Fragments {
			if !fragmentName.MatchString(f.Name) {
				return errdefs.Settingsf("invalid fragment name %q in %s", f.Name, name)
			}
			if seen[f.Name] {
				return errdefs.Settingsf("duplicate fragment %q in %s", f.Name, name)
			}
			seen[f.Name] = true
		}
		if len(file.Lines) > 0 && len(file.Fragments) > 0 {
			return errdefs.Settingsf("%s has both lines and fragments", name)
		}
	}
	return nil
}

func (t *TargetSettings) checkWindows() error {
	profile, ok := categories[t.Category]
	if !ok {
		return errdefs.Settingsf("invalid value of category %q", t.Category)
	}
	if !slices.Contains(profile.arches, t.Arch) {
		return errdefs.Settingsf("arch %s is not available for %s", t.Arch, t.Category)
	}
	if !slices.Contains(profile.editions, t.Edition) {
		return errdefs.Settingsf("edition %q does not belong to %s", t.Edition, t.Category)
	}
	if !t.Lang.IsValid() {
		return errdefs.Settingsf("invalid value of lang %q", t.Lang)
	}
	if t.ProductKey != "" && !productKey.MatchString(t.ProductKey) {
		return errdefs.Settingsf("invalid product key format")
	}
	return nil
}

// Valid is the non-raising form of Check.
func (t *TargetSettings) Valid() bool {
	return t.Check() == nil
}

// ConfigFiles returns the portage configuration files keyed by their name
// under /etc/portage.
func (t *TargetSettings) ConfigFiles() map[string]ConfigFile {
	return map[string]ConfigFile{
		"package.use":             t.PackageUse,
		"package.mask":            t.PackageMask,
		"package.unmask":          t.PackageUnmask,
		"package.accept_keywords": t.PackageAcceptKeywords,
		"package.license":         t.PackageLicense,
	}
}
