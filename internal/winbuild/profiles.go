package winbuild

import (
	"github.com/cochaviz/stage4/arch"
	"github.com/cochaviz/stage4/internal/errdefs"
	"github.com/cochaviz/stage4/internal/settings"
)

// answerMedia is how the installer finds its answer file.
type answerMedia int

const (
	answerOnCDROM answerMedia = iota
	answerOnFloppy
)

// timezone holds the spellings of one zone used by the answer files.
type timezone struct {
	win98 string
	winXP string
	win7  string
}

var timezones = map[string]timezone{
	"":                 {"GMT", "85", "UTC"},
	"UTC":              {"GMT", "85", "UTC"},
	"Europe/London":    {"GMT", "85", "GMT Standard Time"},
	"Europe/Berlin":    {"W. Europe", "110", "W. Europe Standard Time"},
	"America/New_York": {"Eastern", "035", "Eastern Standard Time"},
	"Asia/Shanghai":    {"China", "210", "China Standard Time"},
	"Asia/Taipei":      {"Taipei", "220", "Taipei Standard Time"},
}

// profile is what a Windows category needs from the build.
type profile struct {
	answerFile  string
	answerMedia answerMedia
	machine     string
	diskBus     string
	video       string
	// payloads reports whether the installed system runs the logon hook that
	// executes payload media.
	payloads    bool
	productKeys map[settings.Edition]string
	addons      []string
	render      func(p *profile, d answerData) (string, error)
}

var categoryProfiles = map[settings.Category]*profile{
	settings.Windows98: {
		answerFile:  "MSBATCH.INF",
		answerMedia: answerOnFloppy,
		machine:     "pc",
		diskBus:     "ide",
		video:       "cirrus",
		productKeys: map[settings.Edition]string{
			settings.Windows98FirstEdition:  "F73WT-WHD3J-CD4VR-2GWKD-T38YD",
			settings.Windows98SecondEdition: "F73WT-WHD3J-CD4VR-2GWKD-T38YD",
		},
		render: renderMSBatch,
	},
	settings.WindowsXP: {
		answerFile:  "WINNT.SIF",
		answerMedia: answerOnFloppy,
		machine:     "pc",
		diskBus:     "ide",
		video:       "vga",
		payloads:    true,
		productKeys: map[settings.Edition]string{
			settings.WindowsXPHome:         "NG4HW-VH26C-733KW-K6F98-J8CK4",
			settings.WindowsXPProfessional: "NG4HW-VH26C-733KW-K6F98-J8CK4",
		},
		addons: []string{"lang-packs", "common-drivers"},
		render: renderWinntSif,
	},
	settings.Windows7: {
		answerFile:  "autounattend.xml",
		answerMedia: answerOnCDROM,
		machine:     "q35",
		diskBus:     "sata",
		video:       "vga",
		payloads:    true,
		productKeys: map[settings.Edition]string{
			settings.Windows7Starter:      "7Q28W-FT9PC-CMMYT-WHMY2-89M6G",
			settings.Windows7HomeBasic:    "YGFVB-QTFXQ-3H233-PTWTJ-YRYRV",
			settings.Windows7HomePremium:  "RHPQ2-RMFJH-74XYM-BH4JX-XM76F",
			settings.Windows7Professional: "HYF8J-CVRMY-CM74G-RPHKF-PW487",
			settings.Windows7Ultimate:     "D4F6K-QK3RD-TMVMJ-BBMRX-3MBMV",
			settings.Windows7Enterprise:   "H7X92-3VPBB-Q799D-Y6JJ3-86WC6",
		},
		addons: []string{"lang-packs", "virtio-drivers", "common-drivers"},
		render: renderAutounattend,
	},
}

func profileFor(c settings.Category) (*profile, error) {
	p, ok := categoryProfiles[c]
	if !ok {
		return nil, errdefs.Settingsf("category %q is not a Windows target", c)
	}
	return p, nil
}

// productKey returns the configured key, or the edition's generic
// installation key.
func (p *profile) productKey(t *settings.TargetSettings) string {
	if t.ProductKey != "" {
		return t.ProductKey
	}
	return p.productKeys[t.Edition]
}

func lookupTimezone(name string) (timezone, error) {
	tz, ok := timezones[name]
	if !ok {
		return timezone{}, errdefs.Settingsf("timezone %q has no Windows equivalent", name)
	}
	return tz, nil
}

// memoryMB sizes guest memory by architecture.
func memoryMB(a arch.Architecture) int {
	if a == arch.X86_64 {
		return 4096
	}
	return 1024
}
