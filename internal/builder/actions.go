package builder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/cochaviz/stage4/internal/chroot"
	"github.com/cochaviz/stage4/internal/errdefs"
	"github.com/cochaviz/stage4/internal/repository"
	"github.com/cochaviz/stage4/internal/script"
	"github.com/cochaviz/stage4/internal/seed"
	"github.com/cochaviz/stage4/internal/settings"
)

const (
	ccachePackage = "dev-util/ccache"
	gitPackage    = "dev-vcs/git"

	fakeKernelVersion = "0.0.0-fake"
)

// Unpack extracts the seed into a fresh tree.
func (b *Builder) Unpack(ctx context.Context, s seed.Seed) error {
	b.machine.Require(ActionUnpack)
	a, err := s.Arch()
	if err != nil {
		return err
	}
	if a != b.target.Arch {
		return errdefs.Settingsf("seed architecture %s does not match target architecture %s", a, b.target.Arch)
	}
	if err := s.Verify(); err != nil {
		return err
	}
	return b.run(ctx, ActionUnpack, func(ctx context.Context, root string) error {
		if err := s.Unpack(ctx, root); err != nil {
			return err
		}
		// host caches are bound onto these, so every tree carries them
		for _, dir := range []string{chroot.LogDir, chroot.DistfilesDir, chroot.BinpkgsDir} {
			if err := os.MkdirAll(hostPath(root, dir), 0o755); err != nil {
				return err
			}
		}
		return nil
	})
}

// CreateGentooRepository materialises the main "gentoo" repository.
func (b *Builder) CreateGentooRepository(ctx context.Context, repo repository.Repository) error {
	b.machine.Require(ActionCreateGentooRepository)
	if _, err := repository.Classify(repo); err != nil {
		return err
	}
	if repo.Name() != repository.GentooName {
		return &errdefs.RepositoryError{Name: repo.Name(), Message: "the main repository must be named " + repository.GentooName}
	}
	return b.run(ctx, ActionCreateGentooRepository, func(ctx context.Context, root string) error {
		return b.materialise(ctx, root, []repository.Repository{repo})
	})
}

// InitConfdir writes make.conf and the package.* configuration files.
func (b *Builder) InitConfdir(ctx context.Context) error {
	b.machine.Require(ActionInitConfdir)
	return b.run(ctx, ActionInitConfdir, func(_ context.Context, root string) error {
		dir := hostPath(root, portageConfDir)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		makeConf := renderMakeConf(b.settings.ProgramName, &b.target, b.settings.LogDir != "")
		if err := os.WriteFile(filepath.Join(dir, "make.conf"), []byte(makeConf), 0o644); err != nil {
			return fmt.Errorf("write make.conf: %w", err)
		}
		files := b.target.ConfigFiles()
		names := make([]string, 0, len(files))
		for name := range files {
			names = append(names, name)
		}
		slices.Sort(names)
		for _, name := range names {
			if err := writeConfigFile(root, name, files[name]); err != nil {
				return err
			}
		}
		return nil
	})
}

// CreateOverlays adds overlays to the target. dev-vcs/git is installed first
// when any overlay is synced with git.
func (b *Builder) CreateOverlays(ctx context.Context, overlays []repository.Repository) error {
	b.machine.Require(ActionCreateOverlays)
	seen := map[string]bool{}
	for _, o := range overlays {
		if _, err := repository.Classify(o); err != nil {
			return err
		}
		if o.Name() == repository.GentooName {
			return &errdefs.RepositoryError{Name: o.Name(), Message: "overlay may not use the main repository name"}
		}
		if seen[o.Name()] {
			return &errdefs.RepositoryError{Name: o.Name(), Message: "duplicate overlay"}
		}
		seen[o.Name()] = true
	}
	return b.run(ctx, ActionCreateOverlays, func(ctx context.Context, root string) error {
		return b.materialise(ctx, root, overlays)
	})
}

// materialise makes repos available in root: manual repositories are synced
// from the host, mounted ones are recorded in repos.conf and emerge ones are
// declared and then synced inside the chroot.
func (b *Builder) materialise(ctx context.Context, root string, repos []repository.Repository) error {
	var emerge []repository.EmergeSync
	needsGit := false
	for _, r := range repos {
		dataDir := hostPath(root, r.DataDirPath())
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return fmt.Errorf("create data directory of %s: %w", r.Name(), err)
		}
		switch r := r.(type) {
		case repository.ManualSync:
			b.logger.Info("syncing repository", "repository", r.Name())
			if err := r.Sync(ctx, dataDir); err != nil {
				return err
			}
		case repository.Mount:
			if err := writeReposConf(root, r.Name(), mountReposConf(r)); err != nil {
				return err
			}
		case repository.EmergeSync:
			if err := writeReposConf(root, r.Name(), r.ReposConfContent()); err != nil {
				return err
			}
			emerge = append(emerge, r)
			needsGit = needsGit || repository.NeedsGit(r)
		}
	}
	if len(emerge) == 0 {
		return nil
	}
	return b.inChroot(ctx, root, func(s *chroot.Session) error {
		if needsGit {
			if err := s.ShellExec(ctx, nil, "emerge --noreplace "+gitPackage, b.quiet()); err != nil {
				return err
			}
		}
		for _, r := range emerge {
			if err := s.ShellExec(ctx, nil, "emaint sync --repo "+r.Name(), b.quiet()); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpdateWorld adds packages to the world set and brings the whole system up
// to date. When ccache is enabled it is installed before anything else so
// the rest of the world is built with it.
func (b *Builder) UpdateWorld(ctx context.Context, packages []string) error {
	b.machine.Require(ActionUpdateWorld)
	ccache := b.target.BuildOptions.Ccache
	if ccache && !slices.Contains(packages, ccachePackage) {
		installed, err := hasInstalledPackage(b.workDir.CheckpointPath(b.Step().CheckpointName()), ccachePackage)
		if err != nil {
			return err
		}
		if !installed {
			return errdefs.Settingsf("ccache is enabled but %s is neither requested nor installed", ccachePackage)
		}
	}

	return b.run(ctx, ActionUpdateWorld, func(ctx context.Context, root string) error {
		if err := mergeWorld(root, packages); err != nil {
			return err
		}
		if ccache {
			err := b.inChroot(ctx, root, func(s *chroot.Session) error {
				return s.ShellExec(ctx, nil, "emerge --noreplace "+ccachePackage, b.quiet())
			})
			if err != nil {
				return err
			}
			// the next session binds the host cache onto this directory
			if err := os.MkdirAll(hostPath(root, chroot.CcacheDir), 0o755); err != nil {
				return err
			}
		}
		return b.inChroot(ctx, root, func(s *chroot.Session) error {
			return s.ShellExec(ctx, nil, "emerge --update --deep --newuse @world", b.quiet())
		})
	})
}

// InstallKernel installs a kernel with the configured kernel manager.
func (b *Builder) InstallKernel(ctx context.Context) error {
	b.machine.Require(ActionInstallKernel)
	return b.run(ctx, ActionInstallKernel, func(ctx context.Context, root string) error {
		switch b.target.KernelManager {
		case settings.KernelManagerFake:
			return installFakeKernel(root)
		case settings.KernelManagerGenkernel:
			return b.inChroot(ctx, root, func(s *chroot.Session) error {
				for _, cmd := range []string{
					"emerge --noreplace sys-kernel/gentoo-sources sys-kernel/genkernel",
					"eselect kernel set 1",
					"genkernel --no-mountboot all",
				} {
					if err := s.ShellExec(ctx, nil, cmd, b.quiet()); err != nil {
						return err
					}
				}
				return nil
			})
		default:
			b.logger.Info("no kernel manager configured")
			return nil
		}
	})
}

// installFakeKernel leaves the files bootloader tooling looks for without
// building anything.
func installFakeKernel(root string) error {
	boot := hostPath(root, "/boot")
	modules := hostPath(root, filepath.Join("/lib/modules", fakeKernelVersion))
	for _, dir := range []string{boot, modules} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	for _, name := range []string{"vmlinuz-" + fakeKernelVersion, "initramfs-" + fakeKernelVersion + ".img"} {
		if err := os.WriteFile(filepath.Join(boot, name), nil, 0o644); err != nil {
			return err
		}
	}
	return nil
}

// EnableServices enables services with the configured service manager.
func (b *Builder) EnableServices(ctx context.Context, services []string) error {
	b.machine.Require(ActionEnableServices)
	var format string
	switch b.target.ServiceManager {
	case settings.ServiceManagerOpenRC:
		format = "rc-update add %s default"
	case settings.ServiceManagerSystemd:
		format = "systemctl enable %s"
	default:
		if len(services) > 0 {
			return errdefs.Settingsf("services requested without a service manager")
		}
	}
	for _, svc := range services {
		if svc == "" || strings.ContainsAny(svc, " \t\n;&|'\"$`") {
			return errdefs.Settingsf("invalid service name %q", svc)
		}
	}
	return b.run(ctx, ActionEnableServices, func(ctx context.Context, root string) error {
		if len(services) == 0 {
			return nil
		}
		return b.inChroot(ctx, root, func(s *chroot.Session) error {
			for _, svc := range services {
				if err := s.ShellExec(ctx, nil, fmt.Sprintf(format, svc), b.quiet()); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

// CustomizeSystem runs scripts in order inside the target.
func (b *Builder) CustomizeSystem(ctx context.Context, scripts []script.Script) error {
	b.machine.Require(ActionCustomizeSystem)
	for i, sc := range scripts {
		if script.Contains(scripts[:i], sc) {
			return errdefs.Settingsf("duplicate customization script %q", sc.Description())
		}
	}
	return b.run(ctx, ActionCustomizeSystem, func(ctx context.Context, root string) error {
		if len(scripts) == 0 {
			return nil
		}
		return b.inChroot(ctx, root, func(s *chroot.Session) error {
			for _, sc := range scripts {
				if err := s.ScriptExec(ctx, sc, b.quiet()); err != nil {
					return fmt.Errorf("%s: %w", sc.Description(), err)
				}
			}
			return nil
		})
	})
}

// Cleanup removes packages no longer needed and, with DeGentoo, every trace
// of the package manager.
func (b *Builder) Cleanup(ctx context.Context) error {
	b.machine.Require(ActionCleanup)
	return b.run(ctx, ActionCleanup, func(ctx context.Context, root string) error {
		err := b.inChroot(ctx, root, func(s *chroot.Session) error {
			return s.ShellExec(ctx, nil, "emerge --depclean", b.quiet())
		})
		if err != nil {
			return err
		}
		if !b.target.BuildOptions.DeGentoo {
			return nil
		}
		for _, p := range degentooPaths {
			if err := os.RemoveAll(hostPath(root, p)); err != nil {
				return fmt.Errorf("erase %s: %w", p, err)
			}
		}
		b.logger.Info("erased package manager state")
		return nil
	})
}
