package settings

import "github.com/cochaviz/stage4/arch"

type Category string

const (
	Windows98 Category = "windows-98"
	WindowsXP Category = "windows-xp"
	Windows7  Category = "windows-7"
)

type Edition string

const (
	Windows98FirstEdition  Edition = "windows-98"
	Windows98SecondEdition Edition = "windows-98-se"

	WindowsXPHome         Edition = "windows-xp-home"
	WindowsXPProfessional Edition = "windows-xp-professional"

	Windows7Starter      Edition = "windows-7-starter"
	Windows7HomeBasic    Edition = "windows-7-home-basic"
	Windows7HomePremium  Edition = "windows-7-home-premium"
	Windows7Professional Edition = "windows-7-professional"
	Windows7Ultimate     Edition = "windows-7-ultimate"
	Windows7Enterprise   Edition = "windows-7-enterprise"
)

type Lang string

const (
	LangEnUS Lang = "en_us"
	LangZhCN Lang = "zh_cn"
	LangZhTW Lang = "zh_tw"
)

func (l Lang) IsValid() bool {
	switch l {
	case LangEnUS, LangZhCN, LangZhTW:
		return true
	default:
		return false
	}
}

// Tag returns the language in Windows locale form, such as "en-US".
func (l Lang) Tag() string {
	switch l {
	case LangEnUS:
		return "en-US"
	case LangZhCN:
		return "zh-CN"
	case LangZhTW:
		return "zh-TW"
	default:
		return ""
	}
}

type categoryInfo struct {
	arches   []arch.Architecture
	editions []Edition
}

var categories = map[Category]categoryInfo{
	Windows98: {
		arches:   []arch.Architecture{arch.I686},
		editions: []Edition{Windows98FirstEdition, Windows98SecondEdition},
	},
	WindowsXP: {
		arches:   []arch.Architecture{arch.I686, arch.X86_64},
		editions: []Edition{WindowsXPHome, WindowsXPProfessional},
	},
	Windows7: {
		arches: []arch.Architecture{arch.I686, arch.X86_64},
		editions: []Edition{
			Windows7Starter, Windows7HomeBasic, Windows7HomePremium,
			Windows7Professional, Windows7Ultimate, Windows7Enterprise,
		},
	},
}

// Categories returns the supported Windows categories.
func Categories() []Category {
	return []Category{Windows98, WindowsXP, Windows7}
}

// Editions returns the editions of c, or nil for an unknown category.
func Editions(c Category) []Edition {
	return categories[c].editions
}
