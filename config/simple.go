package simple

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"github.com/cochaviz/stage4/internal/builder"
	"github.com/cochaviz/stage4/internal/config"
	"github.com/cochaviz/stage4/internal/errdefs"
	"github.com/cochaviz/stage4/internal/logging"
	"github.com/cochaviz/stage4/internal/setup"
	"github.com/cochaviz/stage4/internal/shell"
	"github.com/cochaviz/stage4/internal/step"
	"github.com/cochaviz/stage4/internal/vm/libvirt"
	"github.com/cochaviz/stage4/internal/winbuild"
	"github.com/cochaviz/stage4/internal/workdir"
)

var DefaultWorkDir = setup.StorageDir + "work"
var DefaultConnectionURI = libvirt.DefaultURI

// Options are the command line choices shared by every build.
type Options struct {
	WorkDir  string
	Rollback bool
	// Fresh empties the work directory before building instead of resuming.
	Fresh         bool
	ConnectionURI string
	// Level, when set, follows the build file's verbose_level unless
	// LevelFixed is true.
	Level      *slog.LevelVar
	LevelFixed bool
	Logger     *slog.Logger
	Stdout     io.Writer
}

func (o *Options) defaults() {
	if o.WorkDir == "" {
		o.WorkDir = DefaultWorkDir
	}
	if o.ConnectionURI == "" {
		o.ConnectionURI = DefaultConnectionURI
	}
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
}

// plannedAction is one action of a build plan. Actions that cannot run from
// the current step have already run, or were skipped by an earlier build.
type plannedAction struct {
	id   step.ActionID
	skip bool
	run  func() error
}

func runPlan(logger *slog.Logger, canRun func(step.ActionID) bool, plan []plannedAction) error {
	for _, a := range plan {
		if a.skip {
			logger.Debug("nothing to do", "action", string(a.id))
			continue
		}
		if !canRun(a.id) {
			logger.Debug("already done", "action", string(a.id))
			continue
		}
		if err := a.run(); err != nil {
			return err
		}
	}
	return nil
}

// open loads the build file, opens the build log and prepares the work
// directory.
func open(configPath string, windows bool, opts *Options) (*config.File, *logging.BuildLog, *workdir.WorkDir, error) {
	opts.defaults()
	f, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	if f.IsWindows() != windows {
		kind := "gentoo"
		if f.IsWindows() {
			kind = "windows"
		}
		return nil, nil, nil, errdefs.Settingsf("%s describes a %s build", configPath, kind)
	}
	if opts.Level != nil && !opts.LevelFixed {
		opts.Level.Set(logging.LevelForVerbosity(f.Settings.VerboseLevel))
	}
	log, err := logging.NewBuildLog(opts.Logger, f.Settings.LogDir, f.Settings.ProgramName)
	if err != nil {
		return nil, nil, nil, err
	}

	wd := workdir.New(opts.WorkDir, workdir.WithRollback(opts.Rollback), workdir.WithLogger(log.Logger))
	_, statErr := os.Stat(opts.WorkDir)
	if opts.Fresh || errors.Is(statErr, fs.ErrNotExist) {
		if err := wd.Initialize(); err != nil {
			log.Close()
			return nil, nil, nil, err
		}
	}
	return f, log, wd, nil
}

// BuildGentoo runs or resumes the Gentoo build described by the build file.
func BuildGentoo(ctx context.Context, configPath string, opts Options) error {
	f, log, wd, err := open(configPath, false, &opts)
	if err != nil {
		return err
	}
	defer log.Close()
	logger := log.With("component", "config.simple", "build", "gentoo")

	if missing := setup.Missing(setup.GentooTools); len(missing) > 0 {
		logger.Warn("some host tools are missing; builds needing them will fail", "missing", missing)
	}

	runner := &shell.HostRunner{Stdout: opts.Stdout, Stderr: opts.Stdout, Logger: log.Logger}
	b, err := builder.Resume(f.Settings, f.Target, wd,
		builder.WithRunner(runner), builder.WithLogger(log.Logger), builder.WithStdout(opts.Stdout))
	if err != nil {
		return err
	}

	overlays, err := f.Overlays()
	if err != nil {
		return err
	}
	scripts, err := f.CustomizeScripts(ctx, runner)
	if err != nil {
		return err
	}

	plan := []plannedAction{
		{id: builder.ActionUnpack, run: func() error {
			s, err := f.Seed()
			if err != nil {
				return err
			}
			return b.Unpack(ctx, s)
		}},
		{id: builder.ActionCreateGentooRepository, run: func() error {
			repo, err := f.GentooRepository(runner)
			if err != nil {
				return err
			}
			return b.CreateGentooRepository(ctx, repo)
		}},
		{id: builder.ActionInitConfdir, run: func() error { return b.InitConfdir(ctx) }},
		{id: builder.ActionCreateOverlays, skip: len(overlays) == 0, run: func() error { return b.CreateOverlays(ctx, overlays) }},
		{id: builder.ActionUpdateWorld, run: func() error { return b.UpdateWorld(ctx, f.Gentoo.Packages) }},
		{id: builder.ActionInstallKernel, run: func() error { return b.InstallKernel(ctx) }},
		{id: builder.ActionEnableServices, skip: len(f.Gentoo.Services) == 0, run: func() error { return b.EnableServices(ctx, f.Gentoo.Services) }},
		{id: builder.ActionCustomizeSystem, skip: len(scripts) == 0, run: func() error { return b.CustomizeSystem(ctx, scripts) }},
		{id: builder.ActionCleanup, run: func() error { return b.Cleanup(ctx) }},
	}
	if err := runPlan(logger, b.CanRun, plan); err != nil {
		return err
	}
	logger.Info("build finished", "step", b.Step(), "tree", wd.CheckpointPath(b.Step().CheckpointName()))
	return nil
}

// BuildWindows runs or resumes the Windows build described by the build
// file.
func BuildWindows(ctx context.Context, configPath string, opts Options) error {
	f, log, wd, err := open(configPath, true, &opts)
	if err != nil {
		return err
	}
	defer log.Close()
	logger := log.With("component", "config.simple", "build", "windows")

	if err := setup.Verify(setup.WindowsTools); err != nil {
		return fmt.Errorf("host check: %w", err)
	}

	iso, err := f.InstallISO()
	if err != nil {
		return err
	}
	diskSize, err := f.DiskSize()
	if err != nil {
		return err
	}
	addons, err := f.Addons()
	if err != nil {
		return err
	}
	apps, err := f.Applications()
	if err != nil {
		return err
	}
	scripts, err := f.CustomizeScripts(ctx, nil)
	if err != nil {
		return err
	}

	builderOpts := []winbuild.Option{
		winbuild.WithRunner(&shell.HostRunner{Stdout: opts.Stdout, Stderr: opts.Stdout, Logger: log.Logger}),
		winbuild.WithHypervisor(&libvirt.Hypervisor{ConnectionURI: opts.ConnectionURI, Logger: log.Logger}),
		winbuild.WithLogger(log.Logger),
	}
	if diskSize > 0 {
		builderOpts = append(builderOpts, winbuild.WithDiskSize(diskSize))
	}
	if f.Windows.Network != "" {
		builderOpts = append(builderOpts, winbuild.WithNetwork(f.Windows.Network))
	}
	b, err := winbuild.Resume(f.Settings, f.Target, wd, builderOpts...)
	if err != nil {
		return err
	}

	plan := []plannedAction{
		{id: winbuild.ActionCreateCustomInstallISO, run: func() error { return b.CreateCustomInstallISO(ctx, iso) }},
		{id: winbuild.ActionInstallWindows, run: func() error { return b.InstallWindows(ctx) }},
		{id: winbuild.ActionInstallAddons, skip: len(addons) == 0, run: func() error { return b.InstallAddons(ctx, addons) }},
		{id: winbuild.ActionInstallApplications, skip: len(apps) == 0, run: func() error { return b.InstallApplications(ctx, apps) }},
		{id: winbuild.ActionCustomizeSystem, skip: len(scripts) == 0, run: func() error { return b.CustomizeSystem(ctx, scripts) }},
		{id: winbuild.ActionCleanup, run: func() error { return b.Cleanup(ctx) }},
	}
	if err := runPlan(logger, b.CanRun, plan); err != nil {
		return err
	}
	logger.Info("build finished", "step", b.Step(), "image", b.ImagePath())
	return nil
}

// Rollback moves the build in the work directory back to the named step.
// The work directory must be in rollback mode.
func Rollback(ctx context.Context, configPath, stepName string, opts Options) error {
	opts.defaults()
	f, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log, err := logging.NewBuildLog(opts.Logger, f.Settings.LogDir, f.Settings.ProgramName)
	if err != nil {
		return err
	}
	defer log.Close()
	wd := workdir.New(opts.WorkDir, workdir.WithRollback(true), workdir.WithLogger(log.Logger))

	if f.IsWindows() {
		s, ok := winbuild.ParseStep(stepName)
		if !ok {
			return errdefs.Settingsf("unknown windows step %q", stepName)
		}
		b, err := winbuild.Resume(f.Settings, f.Target, wd,
			winbuild.WithRunner(&shell.HostRunner{Stdout: opts.Stdout, Stderr: opts.Stdout, Logger: log.Logger}),
			winbuild.WithLogger(log.Logger))
		if err != nil {
			return err
		}
		return b.RollbackTo(ctx, s)
	}

	s, ok := parseGentooStep(stepName)
	if !ok {
		return errdefs.Settingsf("unknown gentoo step %q", stepName)
	}
	b, err := builder.Resume(f.Settings, f.Target, wd, builder.WithLogger(log.Logger), builder.WithStdout(opts.Stdout))
	if err != nil {
		return err
	}
	return b.RollbackTo(s)
}

func parseGentooStep(name string) (builder.BuildStep, bool) {
	for s := builder.Init; s.Valid(); s++ {
		if s.String() == name {
			return s, true
		}
	}
	return builder.Init, false
}

// InitWorkDir creates the work directory, emptying an existing one.
func InitWorkDir(path string, logger *slog.Logger) error {
	if path == "" {
		path = DefaultWorkDir
	}
	return workdir.New(path, workdir.WithLogger(logger)).Initialize()
}

// WorkDirStatus summarises the state of a work directory.
type WorkDirStatus struct {
	Path        string
	Checkpoints []string
	// GentooStep is the latest Gentoo checkpoint, when there is one.
	GentooStep string
	// WindowsStep is the step recorded by a Windows build, when there is one.
	WindowsStep string
	TreeOpen    bool
	// DiskImage is the path of the Windows disk image, empty when absent.
	DiskImage     string
	DiskImageSize int64
}

// Status inspects the work directory at path without changing it.
func Status(path string) (*WorkDirStatus, error) {
	if path == "" {
		path = DefaultWorkDir
	}
	wd := workdir.New(path)
	if err := wd.Verify(); err != nil {
		return nil, err
	}
	names, err := wd.Checkpoints()
	if err != nil {
		return nil, err
	}
	status := &WorkDirStatus{
		Path:        wd.Path(),
		Checkpoints: names,
		TreeOpen:    wd.IsChrootDirOpen(),
	}
	if s, ok := step.Latest(names, builder.BuildStep.Valid); ok {
		status.GentooStep = s.String()
	}
	ws, ok, err := winbuild.RecordedStep(wd)
	if err != nil {
		return nil, err
	}
	if ok {
		status.WindowsStep = ws.String()
	}
	if info, err := os.Stat(wd.ImageFilePath()); err == nil {
		status.DiskImage = wd.ImageFilePath()
		status.DiskImageSize = info.Size()
	}
	return status, nil
}
