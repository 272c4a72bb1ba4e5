package winbuild

import (
	"fmt"

	"github.com/cochaviz/stage4/internal/step"
)

// BuildStep is a Windows build milestone.
type BuildStep int

const (
	Init BuildStep = iota
	CustomInstallISOCreated
	WindowsInstalled
	AddonsInstalled
	ApplicationsInstalled
	SystemCustomized
	CleanedUp
)

var stepNames = [...]string{
	Init:                    "INIT",
	CustomInstallISOCreated: "CUSTOM_INSTALL_ISO_FILE_CREATED",
	WindowsInstalled:        "MSWIN_INSTALLED",
	AddonsInstalled:         "MSWIN_ADDONS_INSTALLED",
	ApplicationsInstalled:   "APPLICATIONS_INSTALLED",
	SystemCustomized:        "SYSTEM_CUSTOMIZED",
	CleanedUp:               "CLEANED_UP",
}

func (s BuildStep) String() string {
	if s.Valid() {
		return stepNames[s]
	}
	return fmt.Sprintf("BuildStep(%d)", int(s))
}

func (s BuildStep) Valid() bool {
	return s >= Init && s <= CleanedUp
}

// ParseStep recovers a step from its name.
func ParseStep(name string) (BuildStep, bool) {
	for i, n := range stepNames {
		if n == name {
			return BuildStep(i), true
		}
	}
	return 0, false
}

const (
	ActionCreateCustomInstallISO step.ActionID = "create-custom-install-iso"
	ActionInstallWindows         step.ActionID = "install-windows"
	ActionInstallAddons          step.ActionID = "install-addons"
	ActionInstallApplications    step.ActionID = "install-applications"
	ActionCustomizeSystem        step.ActionID = "customize-system"
	ActionCleanup                step.ActionID = "cleanup"
)

// Actions lists every action with the steps it may run from.
var Actions = step.Table[BuildStep]{
	ActionCreateCustomInstallISO: {Init},
	ActionInstallWindows:         {CustomInstallISOCreated},
	ActionInstallAddons:          {WindowsInstalled},
	ActionInstallApplications:    {WindowsInstalled, AddonsInstalled},
	ActionCustomizeSystem:        {WindowsInstalled, AddonsInstalled, ApplicationsInstalled},
	ActionCleanup:                {WindowsInstalled, AddonsInstalled, ApplicationsInstalled, SystemCustomized},
}
