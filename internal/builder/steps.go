package builder

import (
	"fmt"

	"github.com/cochaviz/stage4/internal/step"
)

// BuildStep is a Gentoo build milestone. The numeric value is part of the
// checkpoint directory name.
type BuildStep int

const (
	Init BuildStep = iota
	Unpacked
	GentooRepositoryCreated
	ConfdirInitialized
	OverlaysCreated
	WorldUpdated
	KernelInstalled
	ServicesEnabled
	SystemCustomized
	CleanedUp
)

var stepNames = [...]string{
	Init:                    "INIT",
	Unpacked:                "UNPACKED",
	GentooRepositoryCreated: "GENTOO_REPOSITORY_CREATED",
	ConfdirInitialized:      "CONFDIR_INITIALIZED",
	OverlaysCreated:         "OVERLAYS_CREATED",
	WorldUpdated:            "WORLD_UPDATED",
	KernelInstalled:         "KERNEL_INSTALLED",
	ServicesEnabled:         "SERVICES_ENABLED",
	SystemCustomized:        "SYSTEM_CUSTOMIZED",
	CleanedUp:               "CLEANED_UP",
}

func (s BuildStep) String() string {
	if s.Valid() {
		return stepNames[s]
	}
	return fmt.Sprintf("BuildStep(%d)", int(s))
}

// Valid reports whether s is a member of the enumeration.
func (s BuildStep) Valid() bool {
	return s >= Init && s <= CleanedUp
}

// CheckpointName is the work directory entry holding the tree at s.
func (s BuildStep) CheckpointName() string {
	return step.CheckpointName(s)
}

// ParseStep recovers a step from its checkpoint directory name.
func ParseStep(name string) (BuildStep, bool) {
	return step.ParseCheckpointName(name, BuildStep.Valid)
}

const (
	ActionUnpack                 step.ActionID = "unpack"
	ActionCreateGentooRepository step.ActionID = "create-gentoo-repository"
	ActionInitConfdir            step.ActionID = "init-confdir"
	ActionCreateOverlays         step.ActionID = "create-overlays"
	ActionUpdateWorld            step.ActionID = "update-world"
	ActionInstallKernel          step.ActionID = "install-kernel"
	ActionEnableServices         step.ActionID = "enable-services"
	ActionCustomizeSystem        step.ActionID = "customize-system"
	ActionCleanup                step.ActionID = "cleanup"
)

// Actions lists every action with the steps it may run from. The optional
// actions are those whose result step appears in a later action's set
// alongside the step before it.
var Actions = step.Table[BuildStep]{
	ActionUnpack:                 {Init},
	ActionCreateGentooRepository: {Unpacked},
	ActionInitConfdir:            {GentooRepositoryCreated},
	ActionCreateOverlays:         {ConfdirInitialized},
	ActionUpdateWorld:            {ConfdirInitialized, OverlaysCreated},
	ActionInstallKernel:          {WorldUpdated},
	ActionEnableServices:         {KernelInstalled},
	ActionCustomizeSystem:        {KernelInstalled, ServicesEnabled},
	ActionCleanup:                {KernelInstalled, ServicesEnabled, SystemCustomized},
}
