// Package winbuild installs legacy Windows releases unattended into a VM disk
// image.
//
// The build has no root filesystem tree. Its state is the disk image in the
// work directory, snapshotted after every action that boots the guest, and a
// progress record naming the step reached.
package winbuild

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cochaviz/stage4/arch"
	"github.com/cochaviz/stage4/internal/errdefs"
	"github.com/cochaviz/stage4/internal/logging"
	"github.com/cochaviz/stage4/internal/settings"
	"github.com/cochaviz/stage4/internal/shell"
	"github.com/cochaviz/stage4/internal/step"
	"github.com/cochaviz/stage4/internal/vm"
	"github.com/cochaviz/stage4/internal/workdir"
)

const (
	progressRecord = "progress"
	domainRecord   = "vm-domain"

	// DefaultDiskSize is the virtual size of the system disk.
	DefaultDiskSize uint64 = 10 << 30
)

// progress is the persisted state of a build.
type progress struct {
	Step         string   `yaml:"step"`
	InstallMedia string   `yaml:"install_media,omitempty"`
	Snapshots    []string `yaml:"snapshots,omitempty"`
}

// Builder drives one Windows build in a work directory. It is not safe for
// concurrent use.
type Builder struct {
	settings settings.Settings
	target   settings.TargetSettings
	profile  *profile
	timezone timezone
	workDir  *workdir.WorkDir
	machine  *step.Machine[BuildStep]
	disk     *vm.Disk
	state    progress

	runner       shell.Runner
	hypervisor   vm.Hypervisor
	network      string
	diskSize     uint64
	pollInterval time.Duration
	logger       *slog.Logger
}

type Option func(*Builder)

// WithRunner replaces the host command runner.
func WithRunner(r shell.Runner) Option {
	return func(b *Builder) { b.runner = r }
}

// WithHypervisor sets where guests are started. It is required before any
// action that boots the guest.
func WithHypervisor(h vm.Hypervisor) Option {
	return func(b *Builder) { b.hypervisor = h }
}

func WithLogger(l *slog.Logger) Option {
	return func(b *Builder) { b.logger = l }
}

// WithDiskSize overrides DefaultDiskSize.
func WithDiskSize(size uint64) Option {
	return func(b *Builder) { b.diskSize = size }
}

// WithNetwork attaches guests to the named libvirt network.
func WithNetwork(name string) Option {
	return func(b *Builder) { b.network = name }
}

// WithPollInterval sets how often a running guest is checked for power-off.
func WithPollInterval(d time.Duration) Option {
	return func(b *Builder) { b.pollInterval = d }
}

// New validates the configuration and returns a builder positioned at Init.
// The work directory must already be initialized.
func New(s settings.Settings, t settings.TargetSettings, wd *workdir.WorkDir, opts ...Option) (*Builder, error) {
	if err := s.Check(); err != nil {
		return nil, err
	}
	if err := t.Check(); err != nil {
		return nil, err
	}
	if t.Category == "" {
		return nil, errdefs.Settingsf("category is required for Windows targets")
	}
	if t.PackageManager != settings.PackageManagerNone {
		return nil, errdefs.Settingsf("package_manager must be %q for Windows targets", settings.PackageManagerNone)
	}
	p, err := profileFor(t.Category)
	if err != nil {
		return nil, err
	}
	tz, err := lookupTimezone(t.Timezone)
	if err != nil {
		return nil, err
	}
	if err := wd.Verify(); err != nil {
		return nil, err
	}

	b := &Builder{
		settings: s,
		target:   t,
		profile:  p,
		timezone: tz,
		workDir:  wd,
		machine:  step.NewMachine(Init, Actions, BuildStep.Valid),
		state:    progress{Step: Init.String()},
		diskSize: DefaultDiskSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = logging.Ensure(b.logger).With("component", "windows-builder", "workdir", wd.Path())
	if b.runner == nil {
		b.runner = &shell.HostRunner{Stdout: os.Stdout, Stderr: os.Stderr, Logger: b.logger}
	}
	b.disk = &vm.Disk{Path: wd.ImageFilePath(), Runner: b.runner, Logger: b.logger}
	return b, nil
}

// Resume returns a builder positioned at the step recorded in the work
// directory.
func Resume(s settings.Settings, t settings.TargetSettings, wd *workdir.WorkDir, opts ...Option) (*Builder, error) {
	b, err := New(s, t, wd, opts...)
	if err != nil {
		return nil, err
	}
	state, ok, err := loadProgress(wd)
	if err != nil {
		return nil, err
	}
	if !ok {
		return b, nil
	}
	cur, _ := ParseStep(state.Step)
	if cur >= WindowsInstalled && !b.disk.Exists() {
		return nil, &errdefs.WorkDirError{Path: wd.Path(), Message: "disk image of an installed system is missing"}
	}
	b.state = state
	b.machine.Reset(cur)
	b.logger.Info("resuming build", "step", cur)
	return b, nil
}

// RecordedStep returns the step saved in wd by an earlier build. It reports
// false when no Windows build has run there.
func RecordedStep(wd *workdir.WorkDir) (BuildStep, bool, error) {
	state, ok, err := loadProgress(wd)
	if err != nil || !ok {
		return Init, false, err
	}
	cur, _ := ParseStep(state.Step)
	return cur, true, nil
}

func loadProgress(wd *workdir.WorkDir) (progress, bool, error) {
	raw, err := wd.LoadRecord(progressRecord, "")
	if err != nil || raw == "" {
		return progress{}, false, err
	}
	var state progress
	if err := yaml.Unmarshal([]byte(raw), &state); err != nil {
		return progress{}, false, &errdefs.WorkDirError{Path: wd.Path(), Message: fmt.Sprintf("corrupt progress record: %v", err)}
	}
	if _, ok := ParseStep(state.Step); !ok {
		return progress{}, false, &errdefs.WorkDirError{Path: wd.Path(), Message: fmt.Sprintf("unknown step %q in progress record", state.Step)}
	}
	return state, true, nil
}

// Step returns the step the build has reached.
func (b *Builder) Step() BuildStep {
	return b.machine.Current()
}

// CanRun reports whether action may run at the current step.
func (b *Builder) CanRun(action step.ActionID) bool {
	return b.machine.CanRun(action)
}

// ImagePath is the disk image the build produces.
func (b *Builder) ImagePath() string {
	return b.disk.Path
}

func (b *Builder) saveProgress() error {
	b.state.Step = b.Step().String()
	data, err := yaml.Marshal(&b.state)
	if err != nil {
		return err
	}
	return b.workDir.SaveRecord(progressRecord, string(data))
}

// RollbackTo moves the build back to s, reverting the disk to the snapshot
// taken when s was reached. It requires a work directory in rollback mode.
func (b *Builder) RollbackTo(ctx context.Context, s BuildStep) error {
	if !b.workDir.RollbackEnabled() {
		return errdefs.Settingsf("rollback is disabled for this work directory")
	}
	if !s.Valid() || s > b.Step() {
		return errdefs.Settingsf("cannot roll back from %s to %s", b.Step(), s)
	}
	name := step.CheckpointName(s)
	if s >= WindowsInstalled && !slices.Contains(b.state.Snapshots, name) {
		return &errdefs.WorkDirError{Path: b.workDir.Path(), Message: fmt.Sprintf("no snapshot for step %s", s)}
	}

	var dropErr error
	if s >= WindowsInstalled {
		if err := b.disk.Revert(ctx, name); err != nil {
			return err
		}
		dropErr = b.dropSnapshots(ctx, func(cs BuildStep) bool { return cs > s })
	} else {
		if err := b.disk.Remove(); err != nil {
			return err
		}
		b.state.Snapshots = nil
	}
	if s == Init {
		if err := b.removeAnswerMedia(); err != nil {
			return err
		}
		b.state.InstallMedia = ""
	}
	// the disk holds s from here on, even when later snapshots linger
	b.machine.Reset(s)
	if err := b.saveProgress(); err != nil {
		return errors.Join(dropErr, err)
	}
	if dropErr != nil {
		return dropErr
	}
	b.logger.Info("rolled back", "step", s)
	return nil
}

// dropSnapshots deletes the recorded snapshots whose step matches drop.
// Snapshots that could not be deleted stay recorded.
func (b *Builder) dropSnapshots(ctx context.Context, drop func(BuildStep) bool) error {
	var errs []error
	keep := make([]string, 0, len(b.state.Snapshots))
	for _, snap := range b.state.Snapshots {
		if cs, ok := step.ParseCheckpointName(snap, BuildStep.Valid); ok && drop(cs) {
			err := b.disk.DeleteSnapshot(ctx, snap)
			if err == nil {
				continue
			}
			errs = append(errs, err)
		}
		keep = append(keep, snap)
	}
	b.state.Snapshots = keep
	return errors.Join(errs...)
}

// run executes body and records the step the action reached. Once the guest
// is installed, the disk is snapshotted after each action and reverted to the
// previous snapshot when an action fails.
func (b *Builder) run(ctx context.Context, action step.ActionID, body func(ctx context.Context) error) error {
	b.machine.Require(action)
	from := b.Step()
	target := b.machine.Target(action)
	logger := b.logger.With("action", string(action))

	if err := ctx.Err(); err != nil {
		return err
	}
	logger.Info("action started", "from", from)
	err := b.machine.Run(action, func() error {
		if err := body(ctx); err != nil {
			logger.Error("action failed", "error", err)
			return errors.Join(err, b.restore(from))
		}
		if target < WindowsInstalled {
			return nil
		}
		if err := b.snapshot(ctx, step.CheckpointName(target)); err != nil {
			return errors.Join(err, b.restore(from))
		}
		return nil
	})
	if err != nil {
		return err
	}

	if target >= WindowsInstalled && !b.workDir.RollbackEnabled() {
		if err := b.dropSnapshots(ctx, func(cs BuildStep) bool { return cs < target }); err != nil {
			logger.Warn("could not delete older snapshots", "error", err)
		}
	}
	if err := b.saveProgress(); err != nil {
		return err
	}
	logger.Info("action finished", "step", target)
	return nil
}

// snapshot records the disk under name, replacing a snapshot of the same
// name left behind by an incomplete rollback.
func (b *Builder) snapshot(ctx context.Context, name string) error {
	if slices.Contains(b.state.Snapshots, name) {
		if err := b.disk.DeleteSnapshot(ctx, name); err != nil {
			return err
		}
		b.state.Snapshots = slices.DeleteFunc(slices.Clone(b.state.Snapshots), func(snap string) bool { return snap == name })
	}
	if err := b.disk.Snapshot(ctx, name); err != nil {
		return err
	}
	b.state.Snapshots = append(b.state.Snapshots, name)
	return nil
}

// restore puts the disk back to the state it had at step from. It runs
// after a failure, so it does not use the caller's possibly cancelled
// context.
func (b *Builder) restore(from BuildStep) error {
	ctx := context.Background()
	if from < WindowsInstalled {
		return b.disk.Remove()
	}
	if !b.disk.Exists() {
		return nil
	}
	return b.disk.Revert(ctx, step.CheckpointName(from))
}

func (b *Builder) requireHypervisor() error {
	if b.hypervisor == nil {
		return errdefs.Settingsf("no hypervisor configured")
	}
	return nil
}

// vmSpec describes the guest used by every action that boots it.
func (b *Builder) vmSpec() vm.Spec {
	vcpus := 1
	if b.target.Arch == arch.X86_64 {
		vcpus = 2
	}
	return vm.Spec{
		Name:       vm.NewName(b.settings.ProgramName),
		Arch:       b.target.Arch,
		Machine:    b.profile.machine,
		MemoryMB:   memoryMB(b.target.Arch),
		VCPUs:      vcpus,
		DiskPath:   b.disk.Path,
		DiskFormat: vm.DiskFormat,
		DiskBus:    b.profile.diskBus,
		Network:    b.network,
		Video:      b.profile.video,
	}
}

// boot runs the guest described by spec until it powers off.
func (b *Builder) boot(ctx context.Context, spec vm.Spec) (string, error) {
	domainXML, err := vm.RenderDomainXML(spec)
	if err != nil {
		return "", fmt.Errorf("render domain definition: %w", err)
	}
	if err := vm.Run(ctx, b.hypervisor, domainXML, b.pollInterval, b.logger); err != nil {
		return "", err
	}
	return domainXML, nil
}
