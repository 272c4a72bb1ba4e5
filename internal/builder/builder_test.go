package builder

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cochaviz/stage4/arch"
	"github.com/cochaviz/stage4/internal/chroot"
	"github.com/cochaviz/stage4/internal/errdefs"
	"github.com/cochaviz/stage4/internal/repository"
	"github.com/cochaviz/stage4/internal/script"
	"github.com/cochaviz/stage4/internal/settings"
	"github.com/cochaviz/stage4/internal/shell"
	"github.com/cochaviz/stage4/internal/step"
	"github.com/cochaviz/stage4/internal/workdir"
)

type fakeMounter struct {
	mounted map[string]bool
	calls   map[string][]string
}

func newFakeMounter() *fakeMounter {
	return &fakeMounter{mounted: map[string]bool{}, calls: map[string][]string{}}
}

func (m *fakeMounter) Mount(_ context.Context, source, target, _ string, options []string) error {
	m.mounted[target] = true
	m.calls[target] = append([]string{source}, options...)
	return nil
}

func (m *fakeMounter) Unmount(target string) error {
	delete(m.mounted, target)
	return nil
}

func (m *fakeMounter) IsMountPoint(target string) (bool, error) {
	return m.mounted[target], nil
}

type fakeRunner struct {
	commands []string
	failOn   string
}

func (r *fakeRunner) run(cmd shell.Command) error {
	line := cmd.Args[len(cmd.Args)-1]
	r.commands = append(r.commands, line)
	if r.failOn != "" && strings.Contains(line, r.failOn) {
		return &shell.ExitError{Command: cmd.String(), ExitCode: 1}
	}
	return nil
}

func (r *fakeRunner) Call(_ context.Context, cmd shell.Command) (string, error) {
	return "", r.run(cmd)
}

func (r *fakeRunner) Exec(_ context.Context, cmd shell.Command) error {
	return r.run(cmd)
}

func (r *fakeRunner) Test(_ context.Context, cmd shell.Command) (bool, error) {
	return r.run(cmd) == nil, nil
}

type fakeSeed struct {
	arch     arch.Architecture
	verified bool
}

func (s *fakeSeed) Arch() (arch.Architecture, error) { return s.arch, nil }

func (s *fakeSeed) Verify() error {
	s.verified = true
	return nil
}

func (s *fakeSeed) Unpack(_ context.Context, dir string) error {
	for _, d := range []string{"etc/portage", "var/db/pkg/sys-apps/portage-3.0.63", "bin"} {
		if err := os.MkdirAll(filepath.Join(dir, d), 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(filepath.Join(dir, "etc", "os-release"), []byte("NAME=Gentoo\n"), 0o644)
}

type fixture struct {
	builder *Builder
	runner  *fakeRunner
	mounter *fakeMounter
	workDir *workdir.WorkDir
	target  settings.TargetSettings
	stdout  *bytes.Buffer
}

func hostArch(t *testing.T) arch.Architecture {
	t.Helper()
	a, err := arch.Host()
	if err != nil {
		t.Skipf("host architecture is not supported: %v", err)
	}
	return a
}

func newFixture(t *testing.T, rollback bool, mutate func(*settings.TargetSettings)) *fixture {
	t.Helper()
	resolv := filepath.Join(t.TempDir(), "resolv.conf")
	require.NoError(t, os.WriteFile(resolv, []byte("nameserver 10.0.0.1\n"), 0o644))
	old := chroot.ResolvConf
	chroot.ResolvConf = resolv
	t.Cleanup(func() { chroot.ResolvConf = old })

	s := settings.Default()
	s.HostDistfilesDir = t.TempDir()
	s.HostCcacheDir = t.TempDir()

	target := settings.TargetSettings{
		Arch:           hostArch(t),
		PackageManager: settings.PackageManagerPortage,
		KernelManager:  settings.KernelManagerFake,
		ServiceManager: settings.ServiceManagerOpenRC,
	}
	if mutate != nil {
		mutate(&target)
	}

	wd := workdir.New(filepath.Join(t.TempDir(), "work"), workdir.WithRollback(rollback))
	require.NoError(t, wd.Initialize())

	f := &fixture{
		runner:  &fakeRunner{},
		mounter: newFakeMounter(),
		workDir: wd,
		target:  target,
		stdout:  &bytes.Buffer{},
	}
	b, err := New(s, target, wd, WithRunner(f.runner), WithMounter(f.mounter), WithStdout(f.stdout))
	require.NoError(t, err)
	f.builder = b
	return f
}

func (f *fixture) runUntilConfdir(t *testing.T, repo repository.Repository) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.builder.Unpack(ctx, &fakeSeed{arch: f.target.Arch}))
	require.NoError(t, f.builder.CreateGentooRepository(ctx, repo))
	require.NoError(t, f.builder.InitConfdir(ctx))
}

func TestFullBuild(t *testing.T) {
	f := newFixture(t, false, func(ts *settings.TargetSettings) {
		ts.BuildOptions.DeGentoo = true
		ts.PackageUse = settings.ConfigFile{Fragments: []settings.Fragment{{Name: "base", Lines: []string{"*/* -X"}}}}
	})
	ctx := context.Background()
	b := f.builder

	s := &fakeSeed{arch: f.target.Arch}
	require.NoError(t, b.Unpack(ctx, s))
	assert.True(t, s.verified)
	assert.Equal(t, Unpacked, b.Step())

	require.NoError(t, b.CreateGentooRepository(ctx, repository.CloudGentoo{}))
	require.NoError(t, b.InitConfdir(ctx))

	guru, err := repository.NewUserDefinedOverlay("guru", "git", "https://github.com/gentoo/guru.git")
	require.NoError(t, err)
	local, err := repository.NewOverlayFromHost("local", "/srv/overlay")
	require.NoError(t, err)
	require.NoError(t, b.CreateOverlays(ctx, []repository.Repository{guru, local}))

	require.NoError(t, b.UpdateWorld(ctx, []string{"app-editors/vim", "net-misc/openssh"}))
	require.NoError(t, b.InstallKernel(ctx))
	require.NoError(t, b.EnableServices(ctx, []string{"sshd"}))
	require.NoError(t, b.CustomizeSystem(ctx, []script.Script{script.NewOneLiner("Say hello", "echo hello")}))

	overlayTarget := filepath.Join(f.workDir.ChrootDirPath(), "var", "db", "overlays", "local")
	assert.Equal(t, []string{"/srv/overlay", "bind", "ro"}, f.mounter.calls[overlayTarget])

	require.NoError(t, b.Cleanup(ctx))
	assert.Equal(t, CleanedUp, b.Step())

	names, err := f.workDir.Checkpoints()
	require.NoError(t, err)
	assert.Equal(t, []string{"09-CLEANED_UP"}, names)
	assert.False(t, f.workDir.IsChrootDirOpen())

	final := f.workDir.CheckpointPath("09-CLEANED_UP")
	assert.FileExists(t, filepath.Join(final, "etc", "os-release"))
	assert.DirExists(t, filepath.Join(final, "var", "cache", "distfiles"))
	assert.DirExists(t, filepath.Join(final, "var", "cache", "binpkgs"))
	assert.FileExists(t, filepath.Join(final, "boot", "vmlinuz-"+fakeKernelVersion))
	assert.NoDirExists(t, filepath.Join(final, "etc", "portage"))
	assert.NoDirExists(t, filepath.Join(final, "var", "db", "pkg"))
	assert.NoFileExists(t, filepath.Join(final, "etc", "resolv.conf"))
	assert.NoDirExists(t, filepath.Join(final, "var", "tmp", "script_0"))

	assert.Equal(t, []string{
		"emaint sync --repo gentoo",
		"emerge --noreplace dev-vcs/git",
		"emaint sync --repo guru",
		"emerge --update --deep --newuse @world",
		"rc-update add sshd default",
		"cd /var/tmp/script_0 && ./main.script",
		"emerge --depclean",
	}, f.runner.commands)
	assert.Contains(t, f.stdout.String(), "Say hello")
	assert.Empty(t, f.mounter.mounted)
}

func TestFailedActionRestoresCheckpoint(t *testing.T) {
	f := newFixture(t, false, nil)
	f.runUntilConfdir(t, repository.GentooFromHost{HostDir: "/var/db/repos/gentoo"})

	f.runner.failOn = "@world"
	err := f.builder.UpdateWorld(context.Background(), []string{"app-misc/screen"})
	var exitErr *shell.ExitError
	require.ErrorAs(t, err, &exitErr)

	assert.Equal(t, ConfdirInitialized, f.builder.Step())
	assert.False(t, f.workDir.IsChrootDirOpen())
	assert.True(t, f.workDir.HasCheckpoint("03-CONFDIR_INITIALIZED"))
	assert.Empty(t, f.mounter.mounted)

	// the restored tree keeps whatever the failed action changed
	world, err := os.ReadFile(filepath.Join(f.workDir.CheckpointPath("03-CONFDIR_INITIALIZED"), "var", "lib", "portage", "world"))
	require.NoError(t, err)
	assert.Equal(t, "app-misc/screen\n", string(world))

	f.runner.failOn = ""
	require.NoError(t, f.builder.UpdateWorld(context.Background(), []string{"app-misc/screen"}))
	assert.Equal(t, WorldUpdated, f.builder.Step())
}

func TestFailedScriptCanBeRetried(t *testing.T) {
	f := newFixture(t, false, nil)
	ctx := context.Background()
	f.runUntilConfdir(t, repository.GentooFromHost{HostDir: "/var/db/repos/gentoo"})
	require.NoError(t, f.builder.UpdateWorld(ctx, nil))
	require.NoError(t, f.builder.InstallKernel(ctx))

	scripts := []script.Script{
		script.NewOneLiner("Say hello", "echo hello"),
		script.NewOneLiner("Say bye", "echo bye"),
	}
	f.runner.failOn = "script_1"
	require.Error(t, f.builder.CustomizeSystem(ctx, scripts))
	assert.Equal(t, KernelInstalled, f.builder.Step())
	assert.False(t, f.workDir.IsChrootDirOpen())

	restored := f.workDir.CheckpointPath("06-KERNEL_INSTALLED")
	assert.NoDirExists(t, filepath.Join(restored, "var", "tmp", "script_0"))
	assert.NoDirExists(t, filepath.Join(restored, "var", "tmp", "script_1"))

	f.runner.failOn = ""
	require.NotPanics(t, func() { require.NoError(t, f.builder.CustomizeSystem(ctx, scripts)) })
	assert.Equal(t, SystemCustomized, f.builder.Step())
	assert.NoDirExists(t, filepath.Join(f.workDir.CheckpointPath("08-SYSTEM_CUSTOMIZED"), "var", "tmp", "script_0"))
}

func TestFailedActionDiscardedInRollbackMode(t *testing.T) {
	f := newFixture(t, true, nil)
	f.runUntilConfdir(t, repository.GentooFromHost{HostDir: "/var/db/repos/gentoo"})

	f.runner.failOn = "@world"
	require.Error(t, f.builder.UpdateWorld(context.Background(), []string{"app-misc/screen"}))

	names, err := f.workDir.Checkpoints()
	require.NoError(t, err)
	assert.Equal(t, []string{"01-UNPACKED", "02-GENTOO_REPOSITORY_CREATED", "03-CONFDIR_INITIALIZED"}, names)
	assert.False(t, f.workDir.IsChrootDirOpen())
	assert.NoFileExists(t, filepath.Join(f.workDir.CheckpointPath("03-CONFDIR_INITIALIZED"), "var", "lib", "portage", "world"))
}

func TestRollbackTo(t *testing.T) {
	f := newFixture(t, true, nil)
	f.runUntilConfdir(t, repository.GentooFromHost{HostDir: "/var/db/repos/gentoo"})

	require.NoError(t, f.builder.RollbackTo(Unpacked))
	assert.Equal(t, Unpacked, f.builder.Step())
	names, err := f.workDir.Checkpoints()
	require.NoError(t, err)
	assert.Equal(t, []string{"01-UNPACKED"}, names)

	assert.True(t, errdefs.IsSettings(f.builder.RollbackTo(WorldUpdated)))

	require.NoError(t, f.builder.CreateGentooRepository(context.Background(), repository.CloudGentoo{}))
	assert.Equal(t, GentooRepositoryCreated, f.builder.Step())
}

func TestRollbackRequiresRollbackMode(t *testing.T) {
	f := newFixture(t, false, nil)
	f.runUntilConfdir(t, repository.GentooFromHost{HostDir: "/var/db/repos/gentoo"})
	assert.True(t, errdefs.IsSettings(f.builder.RollbackTo(Unpacked)))
}

func TestResume(t *testing.T) {
	f := newFixture(t, false, nil)
	f.runUntilConfdir(t, repository.GentooFromHost{HostDir: "/var/db/repos/gentoo"})

	s := settings.Default()
	b, err := Resume(s, f.target, f.workDir, WithRunner(f.runner), WithMounter(f.mounter))
	require.NoError(t, err)
	assert.Equal(t, ConfdirInitialized, b.Step())
	assert.True(t, b.CanRun(ActionCreateOverlays))
	assert.True(t, b.CanRun(ActionUpdateWorld))
	assert.False(t, b.CanRun(ActionInstallKernel))
}

func TestResumeRecoversInterruptedTree(t *testing.T) {
	for _, rollback := range []bool{false, true} {
		f := newFixture(t, rollback, nil)
		f.runUntilConfdir(t, repository.GentooFromHost{HostDir: "/var/db/repos/gentoo"})

		// simulate a process killed in the middle of UpdateWorld
		require.NoError(t, f.workDir.SaveRecord(openRecord, "03-CONFDIR_INITIALIZED"))
		require.NoError(t, f.workDir.OpenChrootDir("03-CONFDIR_INITIALIZED"))

		b, err := Resume(settings.Default(), f.target, f.workDir, WithRunner(f.runner), WithMounter(f.mounter))
		require.NoError(t, err)
		assert.False(t, f.workDir.IsChrootDirOpen())
		assert.True(t, f.workDir.HasCheckpoint("03-CONFDIR_INITIALIZED"))
		assert.Equal(t, ConfdirInitialized, b.Step())
	}
}

func TestPrechecksLeaveStoreUntouched(t *testing.T) {
	f := newFixture(t, false, func(ts *settings.TargetSettings) {
		ts.ServiceManager = settings.ServiceManagerNone
		ts.BuildOptions.Ccache = true
	})
	ctx := context.Background()

	foreign := arch.X86_64
	if f.target.Arch == arch.X86_64 {
		foreign = arch.AArch64
	}
	err := f.builder.Unpack(ctx, &fakeSeed{arch: foreign})
	assert.True(t, errdefs.IsSettings(err))
	names, err := f.workDir.Checkpoints()
	require.NoError(t, err)
	assert.Empty(t, names)

	f.runUntilConfdir(t, repository.CloudGentoo{})

	err = f.builder.UpdateWorld(ctx, []string{"app-misc/screen"})
	assert.True(t, errdefs.IsSettings(err))
	assert.Equal(t, ConfdirInitialized, f.builder.Step())

	require.NoError(t, f.builder.UpdateWorld(ctx, []string{"app-misc/screen", ccachePackage}))
	assert.Contains(t, f.runner.commands, "emerge --noreplace dev-util/ccache")
	assert.DirExists(t, filepath.Join(f.workDir.CheckpointPath("05-WORLD_UPDATED"), "var", "tmp", "ccache"))

	require.NoError(t, f.builder.InstallKernel(ctx))
	err = f.builder.EnableServices(ctx, []string{"sshd"})
	assert.True(t, errdefs.IsSettings(err))
	assert.Equal(t, KernelInstalled, f.builder.Step())
}

func TestOptionalActions(t *testing.T) {
	f := newFixture(t, false, func(ts *settings.TargetSettings) {
		ts.KernelManager = settings.KernelManagerNone
	})
	ctx := context.Background()
	f.runUntilConfdir(t, repository.GentooFromHost{HostDir: "/var/db/repos/gentoo"})

	require.NoError(t, f.builder.UpdateWorld(ctx, nil))
	require.NoError(t, f.builder.InstallKernel(ctx))
	require.NoError(t, f.builder.Cleanup(ctx))
	assert.Equal(t, CleanedUp, f.builder.Step())

	final := f.workDir.CheckpointPath("09-CLEANED_UP")
	assert.DirExists(t, filepath.Join(final, "etc", "portage"))
	assert.NoDirExists(t, filepath.Join(final, "boot"))
}

func TestActionOutOfOrderPanics(t *testing.T) {
	f := newFixture(t, false, nil)
	assert.PanicsWithValue(t, step.ContractViolation{
		Message: `action "install-kernel" cannot run at step INIT (allowed: WORLD_UPDATED)`,
	}, func() { _ = f.builder.InstallKernel(context.Background()) })
}

func TestDuplicateScriptsRejected(t *testing.T) {
	f := newFixture(t, false, nil)
	ctx := context.Background()
	f.runUntilConfdir(t, repository.GentooFromHost{HostDir: "/var/db/repos/gentoo"})
	require.NoError(t, f.builder.UpdateWorld(ctx, nil))
	require.NoError(t, f.builder.InstallKernel(ctx))

	err := f.builder.CustomizeSystem(ctx, []script.Script{
		script.NewOneLiner("Tune sysctl", "true"),
		script.NewOneLiner("Tune sysctl", "false"),
	})
	assert.True(t, errdefs.IsSettings(err))
}

func TestCreateOverlaysRejectsInvalidSets(t *testing.T) {
	f := newFixture(t, false, nil)
	f.runUntilConfdir(t, repository.GentooFromHost{HostDir: "/var/db/repos/gentoo"})

	local, err := repository.NewOverlayFromHost("local", "/srv/overlay")
	require.NoError(t, err)
	err = f.builder.CreateOverlays(context.Background(), []repository.Repository{local, local})
	assert.True(t, errdefs.IsRepository(err))

	err = f.builder.CreateOverlays(context.Background(), []repository.Repository{repository.CloudGentoo{}})
	assert.True(t, errdefs.IsRepository(err))
	assert.Equal(t, ConfdirInitialized, f.builder.Step())
}

func TestNewRejectsForeignTargets(t *testing.T) {
	wd := workdir.New(filepath.Join(t.TempDir(), "work"))
	require.NoError(t, wd.Initialize())

	_, err := New(settings.Default(), settings.TargetSettings{Arch: arch.X86_64}, wd)
	assert.True(t, errdefs.IsSettings(err))

	_, err = New(settings.Default(), settings.TargetSettings{
		Arch:           arch.X86_64,
		PackageManager: settings.PackageManagerPortage,
		Category:       settings.Windows7,
		Edition:        settings.Windows7Ultimate,
		Lang:           settings.LangEnUS,
	}, wd)
	assert.True(t, errdefs.IsSettings(err))

	missing := workdir.New(filepath.Join(t.TempDir(), "missing"))
	_, err = New(settings.Default(), settings.TargetSettings{Arch: arch.X86_64, PackageManager: settings.PackageManagerPortage}, missing)
	assert.True(t, errdefs.IsWorkDir(err))
}

func TestStepNames(t *testing.T) {
	assert.Equal(t, "05-WORLD_UPDATED", WorldUpdated.CheckpointName())
	s, ok := ParseStep("08-SYSTEM_CUSTOMIZED")
	assert.True(t, ok)
	assert.Equal(t, SystemCustomized, s)
	_, ok = ParseStep("08-WORLD_UPDATED")
	assert.False(t, ok)
	assert.Equal(t, "BuildStep(42)", BuildStep(42).String())
	assert.True(t, slices.IsSorted(Actions[ActionCleanup]))
}
