package settings

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cochaviz/stage4/arch"
	"github.com/cochaviz/stage4/internal/errdefs"
)

func TestSettingsCheck(t *testing.T) {
	s := Default()
	assert.NoError(t, s.Check())
	assert.False(t, s.Quiet())

	tests := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"missing program name", func(s *Settings) { s.ProgramName = "" }},
		{"verbosity too high", func(s *Settings) { s.VerboseLevel = 3 }},
		{"verbosity negative", func(s *Settings) { s.VerboseLevel = -1 }},
		{"relative log dir", func(s *Settings) { s.LogDir = "logs" }},
		{"relative ccache dir", func(s *Settings) { s.HostCcacheDir = "ccache" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Default()
			tt.mutate(&s)
			err := s.Check()
			assert.True(t, errdefs.IsSettings(err), "got %v", err)
			assert.False(t, s.Valid())
		})
	}

	var missing *Settings
	assert.True(t, errdefs.IsSettings(missing.Check()))
}

func TestSettingsCheckNamesFirstRelativeDir(t *testing.T) {
	s := Default()
	s.LogDir = "logs"
	s.HostPackagesDir = "packages"
	s.HostCcacheDir = "ccache"
	for range 20 {
		err := s.Check()
		assert.ErrorContains(t, err, `"log_dir"`)
		assert.NotContains(t, err.Error(), "host_")
	}

	s.LogDir = "/var/log/stage4"
	assert.ErrorContains(t, s.Check(), `"host_packages_dir"`)
}

func gentooTarget() TargetSettings {
	return TargetSettings{
		Arch:           arch.X86_64,
		PackageManager: PackageManagerPortage,
		KernelManager:  KernelManagerFake,
		ServiceManager: ServiceManagerOpenRC,
	}
}

func windowsTarget() TargetSettings {
	return TargetSettings{
		Arch:     arch.X86_64,
		Category: Windows7,
		Edition:  Windows7Professional,
		Lang:     LangEnUS,
	}
}

func TestTargetSettingsCheck(t *testing.T) {
	g := gentooTarget()
	assert.NoError(t, g.Check())
	w := windowsTarget()
	assert.NoError(t, w.Check())

	tests := []struct {
		name   string
		target func() TargetSettings
	}{
		{"bad arch", func() TargetSettings { t := gentooTarget(); t.Arch = "vax"; return t }},
		{"bad kernel manager", func() TargetSettings { t := gentooTarget(); t.KernelManager = "dracut"; return t }},
		{"bad service manager", func() TargetSettings { t := gentooTarget(); t.ServiceManager = "runit"; return t }},
		{"bad package manager", func() TargetSettings { t := gentooTarget(); t.PackageManager = "apt"; return t }},
		{"lines and fragments", func() TargetSettings {
			t := gentooTarget()
			t.PackageUse = ConfigFile{Lines: []string{"a"}, Fragments: []Fragment{{Name: "b"}}}
			return t
		}},
		{"duplicate fragment", func() TargetSettings {
			t := gentooTarget()
			t.PackageMask = ConfigFile{Fragments: []Fragment{{Name: "x"}, {Name: "x"}}}
			return t
		}},
		{"fragment with slash", func() TargetSettings {
			t := gentooTarget()
			t.PackageLicense = ConfigFile{Fragments: []Fragment{{Name: "../x"}}}
			return t
		}},
		{"unknown category", func() TargetSettings { t := windowsTarget(); t.Category = "windows-me"; return t }},
		{"edition of other category", func() TargetSettings { t := windowsTarget(); t.Edition = WindowsXPHome; return t }},
		{"win98 on x86_64", func() TargetSettings {
			t := windowsTarget()
			t.Category, t.Edition = Windows98, Windows98SecondEdition
			return t
		}},
		{"bad lang", func() TargetSettings { t := windowsTarget(); t.Lang = "de_de"; return t }},
		{"bad product key", func() TargetSettings { t := windowsTarget(); t.ProductKey = "1234"; return t }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := tt.target()
			err := target.Check()
			assert.True(t, errdefs.IsSettings(err), "got %v", err)
			assert.False(t, target.Valid())
		})
	}
}

func TestProductKeyFormats(t *testing.T) {
	target := windowsTarget()
	for _, key := range []string{"ABCDE-12345-FGHIJ-67890-KLMNO", "111-1111111", "11111-OEM-1111111-11111"} {
		target.ProductKey = key
		assert.NoError(t, target.Check(), key)
	}
}

func TestEditionsAndLangTags(t *testing.T) {
	assert.Len(t, Editions(Windows7), 6)
	assert.Nil(t, Editions("windows-me"))
	assert.Equal(t, "zh-TW", LangZhTW.Tag())
	assert.Len(t, Categories(), 3)
}
