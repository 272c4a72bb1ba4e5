// Package builder produces Gentoo stage4 root filesystems.
//
// A build is a sequence of actions. Each action opens the latest checkpoint of
// the work directory as the current tree, changes it (usually from inside a
// chroot session) and closes it as the checkpoint of the step it reached. A
// build can therefore be resumed from, or rolled back to, any checkpoint.
package builder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/cochaviz/stage4/internal/chroot"
	"github.com/cochaviz/stage4/internal/errdefs"
	"github.com/cochaviz/stage4/internal/logging"
	"github.com/cochaviz/stage4/internal/settings"
	"github.com/cochaviz/stage4/internal/shell"
	"github.com/cochaviz/stage4/internal/step"
	"github.com/cochaviz/stage4/internal/workdir"
)

// openRecord holds the checkpoint the current tree was opened from while an
// action is running.
const openRecord = "open-from"

// Builder drives one Gentoo build in a work directory. It is not safe for
// concurrent use.
type Builder struct {
	settings settings.Settings
	target   settings.TargetSettings
	workDir  *workdir.WorkDir
	machine  *step.Machine[BuildStep]

	runner  shell.Runner
	mounter chroot.Mounter
	stdout  io.Writer
	logger  *slog.Logger
}

type Option func(*Builder)

// WithRunner replaces the host command runner.
func WithRunner(r shell.Runner) Option {
	return func(b *Builder) { b.runner = r }
}

// WithMounter replaces the mounter used by chroot sessions.
func WithMounter(m chroot.Mounter) Option {
	return func(b *Builder) { b.mounter = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(b *Builder) { b.logger = l }
}

// WithStdout sets where script banners and command output go.
func WithStdout(w io.Writer) Option {
	return func(b *Builder) { b.stdout = w }
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
	if t.Category != "" {
		return nil, errdefs.Settingsf("category %s is not a Gentoo target", t.Category)
	}
	if t.PackageManager != settings.PackageManagerPortage {
		return nil, errdefs.Settingsf("package_manager must be %q for Gentoo targets", settings.PackageManagerPortage)
	}
	if err := wd.Verify(); err != nil {
		return nil, err
	}
	if s.LogDir != "" {
		if err := os.MkdirAll(s.LogDir, 0o750); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
	}

	b := &Builder{
		settings: s,
		target:   t,
		workDir:  wd,
		machine:  step.NewMachine(Init, Actions, BuildStep.Valid),
		stdout:   os.Stdout,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = logging.Ensure(b.logger).With("component", "gentoo-builder", "workdir", wd.Path())
	if b.runner == nil {
		b.runner = &shell.HostRunner{Stdout: b.stdout, Stderr: b.stdout, Logger: b.logger}
	}
	if b.mounter == nil {
		b.mounter = &chroot.SysMounter{Runner: b.runner, Logger: b.logger}
	}
	return b, nil
}

// Resume returns a builder positioned at the latest checkpoint in the work
// directory. A current tree left behind by an interrupted action is put back
// (or discarded in rollback mode) first.
func Resume(s settings.Settings, t settings.TargetSettings, wd *workdir.WorkDir, opts ...Option) (*Builder, error) {
	b, err := New(s, t, wd, opts...)
	if err != nil {
		return nil, err
	}
	if err := b.recoverOpenTree(); err != nil {
		return nil, err
	}
	names, err := wd.Checkpoints()
	if err != nil {
		return nil, err
	}
	if latest, ok := step.Latest(names, BuildStep.Valid); ok {
		b.machine.Reset(latest)
	}
	b.logger.Info("resuming build", "step", b.Step())
	return b, nil
}

func (b *Builder) recoverOpenTree() error {
	if !b.workDir.IsChrootDirOpen() {
		return nil
	}
	from, err := b.workDir.LoadRecord(openRecord, "")
	if err != nil {
		return err
	}
	to := from
	if b.workDir.RollbackEnabled() {
		to = ""
	}
	b.logger.Warn("recovering current tree of an interrupted action", "from", from, "restored", to != "")
	if err := b.workDir.CloseChrootDir(to); err != nil {
		return err
	}
	return b.workDir.DeleteRecord(openRecord)
}

// Step returns the step the build has reached.
func (b *Builder) Step() BuildStep {
	return b.machine.Current()
}

// CanRun reports whether action may run at the current step.
func (b *Builder) CanRun(action step.ActionID) bool {
	return b.machine.CanRun(action)
}

// RollbackTo drops every checkpoint after s and moves the build back to it.
// It requires a work directory in rollback mode.
func (b *Builder) RollbackTo(s BuildStep) error {
	if !b.workDir.RollbackEnabled() {
		return errdefs.Settingsf("rollback is disabled for this work directory")
	}
	if !s.Valid() || s > b.Step() {
		return errdefs.Settingsf("cannot roll back from %s to %s", b.Step(), s)
	}
	if s != Init && !b.workDir.HasCheckpoint(s.CheckpointName()) {
		return &errdefs.WorkDirError{Path: b.workDir.Path(), Message: fmt.Sprintf("no checkpoint for step %s", s)}
	}
	names, err := b.workDir.Checkpoints()
	if err != nil {
		return err
	}
	for _, name := range names {
		if cs, ok := ParseStep(name); ok && cs > s {
			if err := b.workDir.RemoveCheckpoint(name); err != nil {
				return err
			}
		}
	}
	b.machine.Reset(s)
	b.logger.Info("rolled back", "step", s)
	return nil
}

// run executes body against the current tree opened from the checkpoint of
// the current step. On success the tree becomes the checkpoint of the
// action's target step; on failure it is put back where it came from, or
// discarded in rollback mode.
func (b *Builder) run(ctx context.Context, action step.ActionID, body func(ctx context.Context, root string) error) (err error) {
	b.machine.Require(action)
	from := ""
	if cur := b.Step(); cur != Init {
		from = cur.CheckpointName()
	}
	target := b.machine.Target(action)
	logger := b.logger.With("action", string(action))

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.workDir.SaveRecord(openRecord, from); err != nil {
		return err
	}
	if err := b.workDir.OpenChrootDir(from); err != nil {
		return errors.Join(err, b.workDir.DeleteRecord(openRecord))
	}
	logger.Info("action started", "from", b.Step())

	err = b.machine.Run(action, func() error {
		root := b.workDir.ChrootDirPath()
		if err := body(ctx, root); err != nil {
			logger.Error("action failed", "error", err)
			if b.workDir.RollbackEnabled() {
				return errors.Join(err, b.workDir.CloseChrootDir(""), b.workDir.DeleteRecord(openRecord))
			}
			// script directories kept by the failed session do not go back
			// into the checkpoint
			return errors.Join(err, chroot.RemoveScriptDirs(root), b.workDir.CloseChrootDir(from), b.workDir.DeleteRecord(openRecord))
		}
		if err := b.workDir.CloseChrootDir(target.CheckpointName()); err != nil {
			return err
		}
		return b.workDir.DeleteRecord(openRecord)
	})
	if err != nil {
		return err
	}
	logger.Info("action finished", "step", target)
	return nil
}

// session returns an unbound chroot session for the current tree, sharing
// the host caches and every mounted repository recorded in root.
func (b *Builder) session(root string) (*chroot.Session, error) {
	repos, err := mountedRepositories(root)
	if err != nil {
		return nil, err
	}
	opts := chroot.Options{
		HostLogDir:       b.settings.LogDir,
		HostDistfilesDir: b.settings.HostDistfilesDir,
		HostBinpkgsDir:   b.settings.HostPackagesDir,
		Repositories:     repos,
		Arch:             b.target.Arch,
	}
	if b.target.BuildOptions.Ccache {
		opts.HostCcacheDir = b.settings.HostCcacheDir
	}
	s := chroot.New(root, b.runner, b.mounter, opts)
	s.Stdout = b.stdout
	s.Logger = b.logger
	return s, nil
}

// inChroot binds a session on root for the duration of fn.
func (b *Builder) inChroot(ctx context.Context, root string, fn func(*chroot.Session) error) error {
	s, err := b.session(root)
	if err != nil {
		return err
	}
	return chroot.With(ctx, s, fn)
}

func (b *Builder) quiet() bool {
	return b.settings.Quiet()
}
