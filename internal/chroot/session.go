// Package chroot runs commands inside a target root filesystem with the host's
// pseudo filesystems and package caches bind-mounted into it.
//
// Every mount is recorded the moment it succeeds and the session unwinds them
// in reverse order, so a failure halfway through Bind leaves nothing behind.
package chroot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/fatih/color"

	"github.com/cochaviz/stage4/arch"
	"github.com/cochaviz/stage4/internal/logging"
	"github.com/cochaviz/stage4/internal/script"
	"github.com/cochaviz/stage4/internal/shell"
)

// Paths inside the target root that host directories are bound onto.
const (
	LogDir       = "/var/log/portage"
	DistfilesDir = "/var/cache/distfiles"
	BinpkgsDir   = "/var/cache/binpkgs"
	CcacheDir    = "/var/tmp/ccache"

	scriptDirPrefix = "/var/tmp/script_"
)

var (
	// ResolvConf is copied into the target so the chroot can resolve names.
	ResolvConf = "/etc/resolv.conf"

	chrootEnv = []string{"LANG=C.utf8", "PATH=/bin:/usr/bin:/sbin:/usr/sbin"}
	hostEnv   = chrootEnv

	banner = color.New(color.FgGreen, color.Bold)
)

// ContractViolation is the panic value for misuse of a session.
type ContractViolation struct {
	Message string
}

func (c ContractViolation) Error() string {
	return "chroot contract violation: " + c.Message
}

func violate(format string, args ...any) {
	panic(ContractViolation{Message: fmt.Sprintf(format, args...)})
}

// RepositoryMount is a package repository whose data directory is mounted
// rather than stored in the target. It is read-only unless Options contain
// "rw".
type RepositoryMount struct {
	Name    string
	DataDir string
	Source  string
	Options []string
}

// Options selects the host directories shared with the target.
type Options struct {
	HostLogDir       string
	HostDistfilesDir string
	HostBinpkgsDir   string
	// HostCcacheDir is only bound when the target already has CcacheDir.
	HostCcacheDir string
	Repositories  []RepositoryMount
	// Arch, when set, must match the host: commands run natively.
	Arch arch.Architecture
}

var registry = struct {
	sync.Mutex
	roots map[string]struct{}
}{roots: map[string]struct{}{}}

func register(root string) {
	registry.Lock()
	defer registry.Unlock()
	if _, ok := registry.roots[root]; ok {
		violate("a session for %s is already active", root)
	}
	registry.roots[root] = struct{}{}
}

func unregister(root string) {
	registry.Lock()
	defer registry.Unlock()
	delete(registry.roots, root)
}

// Session is a bound chroot. It is not safe for concurrent use.
type Session struct {
	root    string
	opts    Options
	runner  shell.Runner
	mounter Mounter

	// Stdout receives script descriptions.
	Stdout io.Writer
	Logger *slog.Logger

	mounts     []string
	scriptDirs []string
	hostArch   func() (arch.Architecture, error)
}

// New prepares a session for the root filesystem at root. Nothing is mounted
// until Bind.
func New(root string, runner shell.Runner, mounter Mounter, opts Options) *Session {
	abs, err := filepath.Abs(root)
	if err != nil {
		violate("invalid root %q: %v", root, err)
	}
	return &Session{
		root:     abs,
		opts:     opts,
		runner:   runner,
		mounter:  mounter,
		Stdout:   os.Stdout,
		hostArch: arch.Host,
	}
}

func (s *Session) logger() *slog.Logger {
	return logging.Ensure(s.Logger).With("component", "chroot", "root", s.root)
}

func (s *Session) Root() string {
	return s.root
}

// Bound reports whether the session currently holds mounts.
func (s *Session) Bound() bool {
	return len(s.mounts) > 0
}

// Mounts returns the active mount targets in mount order.
func (s *Session) Mounts() []string {
	return slices.Clone(s.mounts)
}

// Bind prepares the root for command execution. On failure everything that
// was mounted is released before the error is returned.
func (s *Session) Bind(ctx context.Context) (err error) {
	if s.Bound() {
		violate("session is already bound")
	}
	binds := []struct{ host, target string }{
		{s.opts.HostLogDir, LogDir},
		{s.opts.HostDistfilesDir, DistfilesDir},
		{s.opts.HostBinpkgsDir, BinpkgsDir},
	}
	for _, b := range binds {
		if b.host == "" {
			continue
		}
		if info, err := os.Stat(s.hostPath(b.target)); err != nil || !info.IsDir() {
			violate("%s is not a directory in %s", b.target, s.root)
		}
	}
	register(s.root)
	defer func() {
		if err != nil {
			err = errors.Join(err, s.unbind(false))
		}
	}()

	if err := s.copyResolvConf(); err != nil {
		return err
	}

	if err := s.mount(ctx, "proc", "/proc", "proc", nil, true); err != nil {
		return err
	}
	if err := s.mount(ctx, "/sys", "/sys", "", []string{"rbind", "rslave"}, true); err != nil {
		return err
	}
	if err := s.mount(ctx, "/dev", "/dev", "", []string{"rbind", "rslave"}, true); err != nil {
		return err
	}
	if err := s.mount(ctx, "tmpfs", "/tmp", "tmpfs", nil, true); err != nil {
		return err
	}

	for _, b := range binds {
		if b.host == "" {
			continue
		}
		if err := s.mount(ctx, b.host, b.target, "", []string{"bind"}, false); err != nil {
			return err
		}
	}

	if s.opts.HostCcacheDir != "" {
		if _, statErr := os.Stat(s.hostPath(CcacheDir)); statErr == nil {
			if err := s.mount(ctx, s.opts.HostCcacheDir, CcacheDir, "", []string{"bind"}, false); err != nil {
				return err
			}
		}
	}

	for _, repo := range s.opts.Repositories {
		options := repo.Options
		if !slices.Contains(options, "rw") && !slices.Contains(options, "ro") {
			options = append(slices.Clone(options), "ro")
		}
		if err := s.mount(ctx, repo.Source, repo.DataDir, "", options, true); err != nil {
			return fmt.Errorf("mount repository %s: %w", repo.Name, err)
		}
	}

	s.logger().Debug("session bound", "mounts", len(s.mounts))
	return nil
}

func (s *Session) hostPath(inner string) string {
	return filepath.Join(s.root, filepath.FromSlash(inner))
}

func (s *Session) copyResolvConf() error {
	data, err := os.ReadFile(ResolvConf)
	if err != nil {
		return fmt.Errorf("read %s: %w", ResolvConf, err)
	}
	target := s.hostPath("/etc/resolv.conf")
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	// the target may be a dangling symlink into /run
	if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.WriteFile(target, data, 0o644)
}

func (s *Session) mount(ctx context.Context, source, inner, fstype string, options []string, create bool) error {
	target := s.hostPath(inner)
	if create {
		if err := os.MkdirAll(target, 0o755); err != nil {
			return err
		}
	}
	mounted, err := s.mounter.IsMountPoint(target)
	if err != nil {
		return err
	}
	if mounted {
		return fmt.Errorf("%s is already a mount point", target)
	}
	if err := s.mounter.Mount(ctx, source, target, fstype, options); err != nil {
		return err
	}
	s.mounts = append(s.mounts, target)
	return nil
}

// Unbind releases every mount in reverse order and removes the copied
// resolv.conf. Script directories are removed unless removeScripts is false.
func (s *Session) Unbind(removeScripts bool) error {
	if !s.Bound() {
		violate("session is not bound")
	}
	return s.unbind(removeScripts)
}

func (s *Session) unbind(removeScripts bool) error {
	defer unregister(s.root)

	var errs []error
	for i := len(s.mounts) - 1; i >= 0; i-- {
		target := s.mounts[i]
		mounted, err := s.mounter.IsMountPoint(target)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if mounted {
			errs = append(errs, s.mounter.Unmount(target))
		}
	}
	s.mounts = nil

	if err := os.Remove(s.hostPath("/etc/resolv.conf")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		errs = append(errs, err)
	}

	if removeScripts {
		for i := len(s.scriptDirs) - 1; i >= 0; i-- {
			errs = append(errs, os.RemoveAll(s.scriptDirs[i]))
		}
	} else if len(s.scriptDirs) > 0 {
		s.logger().Info("keeping script directories", "count", len(s.scriptDirs))
	}
	s.scriptDirs = nil

	return errors.Join(errs...)
}

func (s *Session) command(env []string, command string) shell.Command {
	if !s.Bound() {
		violate("session is not bound")
	}
	if s.opts.Arch != "" {
		host, err := s.hostArch()
		if err != nil || host != s.opts.Arch {
			violate("target architecture %s cannot run on host %s", s.opts.Arch, host)
		}
	}
	return shell.Command{
		Path:   "/bin/sh",
		Args:   []string{"-c", command},
		Env:    append(slices.Clone(chrootEnv), env...),
		Chroot: s.root,
	}
}

// ShellCall runs a shell command line in the target and returns its output.
// env holds extra KEY=VALUE pairs added to the fixed environment.
func (s *Session) ShellCall(ctx context.Context, env []string, command string) (string, error) {
	return s.runner.Call(ctx, s.command(env, command))
}

// ShellTest runs a command line and reports whether it succeeded.
func (s *Session) ShellTest(ctx context.Context, env []string, command string) (bool, error) {
	return s.runner.Test(ctx, s.command(env, command))
}

// ShellExec runs a command line, streaming its output unless quiet.
func (s *Session) ShellExec(ctx context.Context, env []string, command string, quiet bool) error {
	cmd := s.command(env, command)
	if quiet {
		_, err := s.runner.Call(ctx, cmd)
		return err
	}
	return s.runner.Exec(ctx, cmd)
}

// ScriptExec stages sc into a fresh /var/tmp/script_<n> directory of the
// target and runs it from there.
func (s *Session) ScriptExec(ctx context.Context, sc script.Script, quiet bool) error {
	if !s.Bound() {
		violate("session is not bound")
	}
	inner := fmt.Sprintf("%s%d", scriptDirPrefix, len(s.scriptDirs))
	hostDir := s.hostPath(inner)
	if _, err := os.Lstat(hostDir); err == nil {
		violate("script directory %s already exists", hostDir)
	}
	if err := os.MkdirAll(hostDir, 0o755); err != nil {
		return fmt.Errorf("create script directory: %w", err)
	}
	s.scriptDirs = append(s.scriptDirs, hostDir)

	if !quiet && s.Stdout != nil {
		banner.Fprintln(s.Stdout, sc.Description())
	}
	if err := sc.FillScriptDir(hostDir); err != nil {
		return fmt.Errorf("stage script %q: %w", sc.Description(), err)
	}
	s.logger().Info("running script", "description", sc.Description(), "dir", inner)
	return s.ShellExec(ctx, nil, fmt.Sprintf("cd %s && ./%s", inner, sc.ScriptName()), quiet)
}

// RemoveScriptDirs deletes the script directories a failed session kept in
// root.
func RemoveScriptDirs(root string) error {
	dirs, err := filepath.Glob(filepath.Join(root, filepath.FromSlash(scriptDirPrefix)+"*"))
	if err != nil {
		return err
	}
	var errs []error
	for _, dir := range dirs {
		errs = append(errs, os.RemoveAll(dir))
	}
	return errors.Join(errs...)
}

// With binds s, runs fn and always unbinds. Script directories are kept when
// fn fails so they can be inspected.
func With(ctx context.Context, s *Session, fn func(*Session) error) (err error) {
	if err := s.Bind(ctx); err != nil {
		return err
	}
	defer func() {
		if uerr := s.Unbind(err == nil); uerr != nil {
			err = errors.Join(err, fmt.Errorf("unbind %s: %w", s.root, uerr))
		}
	}()
	return fn(s)
}
