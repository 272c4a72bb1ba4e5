// Package media inspects Windows installation images.
package media

import (
	"bytes"
	"debug/pe"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/kdomanski/iso9660"
	"gopkg.in/ini.v1"

	"github.com/cochaviz/stage4/arch"
	"github.com/cochaviz/stage4/internal/errdefs"
	"github.com/cochaviz/stage4/internal/settings"
)

// maxProbeSize bounds the files read into memory while probing.
const maxProbeSize = 16 << 20

// InstallMedia describes what an installation image can install.
type InstallMedia struct {
	Path     string
	Label    string
	Category settings.Category
	Arch     arch.Architecture
	Editions []settings.Edition
	Langs    []settings.Lang
}

// Supports reports whether the media can install the given target.
func (m *InstallMedia) Supports(t *settings.TargetSettings) error {
	switch {
	case m.Arch != t.Arch:
		return errdefs.InstallMediaf("invalid install media, arch %s does not match %s", m.Arch, t.Arch)
	case m.Category != t.Category:
		return errdefs.InstallMediaf("invalid install media, category %s does not match %s", m.Category, t.Category)
	case !slices.Contains(m.Editions, t.Edition):
		return errdefs.InstallMediaf("invalid install media, edition %s is not available", t.Edition)
	case !slices.Contains(m.Langs, t.Lang):
		return errdefs.InstallMediaf("invalid install media, language %s is not available", t.Lang)
	}
	return nil
}

// Inspect opens the ISO image at path and identifies the Windows release on
// it. Media that cannot be identified yield an InstallMediaError.
func Inspect(path string) (*InstallMedia, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open install media: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, errdefs.InstallMediaf("%s is not an image file", path)
	}

	image, err := iso9660.OpenImage(f)
	if err != nil {
		return nil, errdefs.InstallMediaf("%s is not an ISO-9660 image: %v", path, err)
	}
	label, err := image.Label()
	if err != nil {
		return nil, errdefs.InstallMediaf("read volume label of %s: %v", path, err)
	}
	root, err := image.RootDir()
	if err != nil {
		return nil, errdefs.InstallMediaf("read root directory of %s: %v", path, err)
	}
	tree := &node{file: root}

	m := &InstallMedia{Path: path, Label: strings.TrimSpace(label)}
	switch {
	case tree.lookup("sources/install.wim") != nil:
		err = inspectWindows7(m, tree)
	case tree.lookup("i386/txtsetup.sif") != nil || tree.lookup("amd64/txtsetup.sif") != nil:
		err = inspectWindowsXP(m, tree)
	case tree.lookup("win98") != nil:
		err = inspectWindows98(m, tree)
	default:
		err = errdefs.InstallMediaf("unrecognised install media %s (label %q)", path, m.Label)
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func inspectWindows7(m *InstallMedia, tree *node) error {
	m.Category = settings.Windows7

	setup := tree.lookup("setup.exe")
	if setup == nil {
		return errdefs.InstallMediaf("invalid install media, setup.exe is missing")
	}
	data, err := setup.read()
	if err != nil {
		return err
	}
	a, err := peArch(data)
	if err != nil {
		return err
	}
	m.Arch = a

	// without ei.cfg every edition in install.wim is selectable
	m.Editions = settings.Editions(settings.Windows7)
	if ei := tree.lookup("sources/ei.cfg"); ei != nil {
		data, err := ei.read()
		if err != nil {
			return err
		}
		cfg, err := loadSetupInfo("ei.cfg", data)
		if err != nil {
			return err
		}
		var edition settings.Edition
		ok := false
		if keys := sectionKeys(cfg, "EditionID"); len(keys) > 0 {
			edition, ok = windows7Editions[keys[0]]
		}
		if !ok {
			return errdefs.InstallMediaf("invalid install media, unknown edition in ei.cfg")
		}
		m.Editions = []settings.Edition{edition}
	}

	if langFile := tree.lookup("sources/lang.ini"); langFile != nil {
		data, err := langFile.read()
		if err != nil {
			return err
		}
		langs, err := loadSetupInfo("lang.ini", data)
		if err != nil {
			return err
		}
		for _, key := range sectionKeys(langs, "Available UI Languages") {
			if l, ok := langTags[key]; ok && !slices.Contains(m.Langs, l) {
				m.Langs = append(m.Langs, l)
			}
		}
	}
	if len(m.Langs) == 0 {
		m.Langs = labelLangs(m.Label)
	}
	if len(m.Langs) == 0 {
		return errdefs.InstallMediaf("invalid install media, no known language")
	}
	return nil
}

func inspectWindowsXP(m *InstallMedia, tree *node) error {
	m.Category = settings.WindowsXP
	m.Arch = arch.I686
	if tree.lookup("amd64/txtsetup.sif") != nil {
		m.Arch = arch.X86_64
	}
	m.Editions = []settings.Edition{settings.WindowsXPProfessional}
	if strings.HasPrefix(strings.ToUpper(m.Label), "WXH") {
		m.Editions = []settings.Edition{settings.WindowsXPHome}
	}
	m.Langs = labelLangs(m.Label)
	if len(m.Langs) == 0 {
		return errdefs.InstallMediaf("invalid install media, cannot tell the language of %q", m.Label)
	}
	return nil
}

func inspectWindows98(m *InstallMedia, _ *node) error {
	m.Category = settings.Windows98
	m.Arch = arch.I686
	m.Editions = []settings.Edition{settings.Windows98FirstEdition}
	if strings.Contains(strings.ToUpper(m.Label), "SE") {
		m.Editions = []settings.Edition{settings.Windows98SecondEdition}
	}
	m.Langs = labelLangs(m.Label)
	if len(m.Langs) == 0 {
		m.Langs = []settings.Lang{settings.LangEnUS}
	}
	return nil
}

var windows7Editions = map[string]settings.Edition{
	"starter":      settings.Windows7Starter,
	"homebasic":    settings.Windows7HomeBasic,
	"homepremium":  settings.Windows7HomePremium,
	"professional": settings.Windows7Professional,
	"ultimate":     settings.Windows7Ultimate,
	"enterprise":   settings.Windows7Enterprise,
}

var langTags = map[string]settings.Lang{
	"en-us": settings.LangEnUS,
	"zh-cn": settings.LangZhCN,
	"zh-tw": settings.LangZhTW,
}

// labelLangs reads the language suffix of a volume label such as
// GRTMPVOL_EN or GRMCULFRER_CN_DVD.
func labelLangs(label string) []settings.Lang {
	for _, part := range strings.Split(strings.ToUpper(label), "_") {
		switch part {
		case "EN":
			return []settings.Lang{settings.LangEnUS}
		case "CN", "CHS":
			return []settings.Lang{settings.LangZhCN}
		case "TW", "CHT":
			return []settings.Lang{settings.LangZhTW}
		}
	}
	return nil
}

func peArch(data []byte) (arch.Architecture, error) {
	f, err := pe.NewFile(bytes.NewReader(data))
	if err != nil {
		return "", errdefs.InstallMediaf("invalid install media, setup.exe: %v", err)
	}
	defer f.Close()
	switch f.Machine {
	case pe.IMAGE_FILE_MACHINE_I386:
		return arch.I686, nil
	case pe.IMAGE_FILE_MACHINE_AMD64:
		return arch.X86_64, nil
	default:
		return "", errdefs.InstallMediaf("invalid install media, unsupported machine type %#x", f.Machine)
	}
}

// loadSetupInfo parses the ini dialect of Windows setup files. ei.cfg holds
// bare values without a key; they load as boolean keys.
func loadSetupInfo(name string, data []byte) (*ini.File, error) {
	f, err := ini.LoadSources(ini.LoadOptions{
		Insensitive:             true,
		AllowBooleanKeys:        true,
		SkipUnrecognizableLines: true,
	}, data)
	if err != nil {
		return nil, errdefs.InstallMediaf("invalid install media, %s: %v", name, err)
	}
	return f, nil
}

// sectionKeys lists the keys of a section in file order, lower-cased.
func sectionKeys(f *ini.File, section string) []string {
	sec, err := f.GetSection(section)
	if err != nil {
		return nil
	}
	return sec.KeyStrings()
}

type node struct {
	file *iso9660.File
}

// lookup resolves a slash separated path case-insensitively.
func (n *node) lookup(path string) *node {
	cur := n.file
	for _, part := range strings.Split(path, "/") {
		if !cur.IsDir() {
			return nil
		}
		children, err := cur.GetChildren()
		if err != nil {
			return nil
		}
		var next *iso9660.File
		for _, child := range children {
			if strings.EqualFold(entryName(child), part) {
				next = child
				break
			}
		}
		if next == nil {
			return nil
		}
		cur = next
	}
	return &node{file: cur}
}

func (n *node) read() ([]byte, error) {
	if n.file.IsDir() {
		return nil, errdefs.InstallMediaf("%s is a directory", entryName(n.file))
	}
	if n.file.Size() > maxProbeSize {
		return nil, errdefs.InstallMediaf("%s is too large to inspect", entryName(n.file))
	}
	return io.ReadAll(n.file.Reader())
}

// entryName strips the ISO-9660 version suffix and the trailing dot of names
// without an extension.
func entryName(f *iso9660.File) string {
	name := f.Name()
	if i := strings.LastIndex(name, ";"); i >= 0 {
		name = name[:i]
	}
	return strings.TrimSuffix(name, ".")
}
