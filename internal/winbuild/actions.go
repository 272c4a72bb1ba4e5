package winbuild

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/cochaviz/stage4/internal/errdefs"
	"github.com/cochaviz/stage4/internal/media"
	"github.com/cochaviz/stage4/internal/script"
	"github.com/cochaviz/stage4/internal/shell"
	"github.com/cochaviz/stage4/internal/step"
)

const answerLabel = "STAGE4_ANSWER"

var hostEnv = []string{"PATH=/bin:/usr/bin:/sbin:/usr/sbin", "LANG=C.utf8"}

// CreateCustomInstallISO checks that the installation image at isoPath can
// install the target and writes the answer media next to the disk image.
func (b *Builder) CreateCustomInstallISO(ctx context.Context, isoPath string) error {
	b.machine.Require(ActionCreateCustomInstallISO)
	abs, err := filepath.Abs(isoPath)
	if err != nil {
		return err
	}
	m, err := media.Inspect(abs)
	if err != nil {
		return err
	}
	if err := m.Supports(&b.target); err != nil {
		return err
	}
	files, err := b.answerFiles()
	if err != nil {
		return err
	}
	return b.run(ctx, ActionCreateCustomInstallISO, func(ctx context.Context) error {
		if err := b.writeAnswerMedia(ctx, files); err != nil {
			return errors.Join(err, b.removeAnswerMedia())
		}
		b.state.InstallMedia = abs
		b.logger.Info("prepared answer media", "install_media", abs, "label", m.Label, "answer_file", b.profile.answerFile)
		return nil
	})
}

// answerFiles renders the files placed on the answer media.
func (b *Builder) answerFiles() (map[string]string, error) {
	answer, err := b.profile.render(b.profile, answerData{
		ProductKey: b.profile.productKey(&b.target),
		Edition:    b.target.Edition,
		Lang:       b.target.Lang,
		Arch:       b.target.Arch,
		Timezone:   b.timezone,
		Hook:       b.profile.payloads,
	})
	if err != nil {
		return nil, err
	}
	files := map[string]string{b.profile.answerFile: answer}
	if b.profile.payloads {
		files[hookFile] = renderHook()
	}
	return files, nil
}

func (b *Builder) writeAnswerMedia(ctx context.Context, files map[string]string) error {
	staging, err := os.MkdirTemp("", "stage4-answer-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(staging)
	names := make([]string, 0, len(files))
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(staging, name), []byte(content), 0o644); err != nil {
			return err
		}
		names = append(names, name)
	}
	slices.Sort(names)

	if b.profile.answerMedia == answerOnCDROM {
		return writeISO(staging, b.workDir.AnswerISOPath(), answerLabel)
	}

	floppy := b.workDir.AnswerFloppyPath()
	if err := os.Remove(floppy); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if _, err := b.runner.Call(ctx, shell.Command{
		Path: "mkfs.fat",
		Args: []string{"-C", "-F", "12", "-n", "STAGE4", floppy, "1440"},
		Env:  hostEnv,
	}); err != nil {
		return fmt.Errorf("format answer floppy: %w", err)
	}
	for _, name := range names {
		if _, err := b.runner.Call(ctx, shell.Command{
			Path: "mcopy",
			Args: []string{"-i", floppy, filepath.Join(staging, name), "::/" + name},
			Env:  hostEnv,
		}); err != nil {
			return fmt.Errorf("copy %s to answer floppy: %w", name, err)
		}
	}
	return nil
}

func (b *Builder) removeAnswerMedia() error {
	var errs []error
	for _, p := range []string{b.workDir.AnswerISOPath(), b.workDir.AnswerFloppyPath()} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// InstallWindows creates the disk image and boots the installer with the
// answer media attached until the installed system powers itself off.
func (b *Builder) InstallWindows(ctx context.Context) error {
	b.machine.Require(ActionInstallWindows)
	if err := b.requireHypervisor(); err != nil {
		return err
	}
	if _, err := os.Stat(b.state.InstallMedia); err != nil {
		return errdefs.InstallMediaf("install media %q is no longer available", b.state.InstallMedia)
	}
	return b.run(ctx, ActionInstallWindows, func(ctx context.Context) error {
		if err := b.disk.Create(ctx, b.diskSize); err != nil {
			return err
		}
		spec := b.vmSpec()
		spec.BootFromCD = true
		spec.CDROMs = []string{b.state.InstallMedia}
		if b.profile.answerMedia == answerOnCDROM {
			spec.CDROMs = append(spec.CDROMs, b.workDir.AnswerISOPath())
		} else {
			spec.Floppy = b.workDir.AnswerFloppyPath()
		}
		domainXML, err := b.boot(ctx, spec)
		if err != nil {
			return err
		}
		return b.workDir.SaveRecord(domainRecord, domainXML)
	})
}

// InstallAddons runs the named add-ons in the installed guest. Only add-ons
// known for the category are accepted.
func (b *Builder) InstallAddons(ctx context.Context, addons []script.Script) error {
	b.machine.Require(ActionInstallAddons)
	for _, a := range addons {
		if !slices.Contains(b.profile.addons, a.Description()) {
			return errdefs.Settingsf("add-on %q is not available for %s (known: %v)", a.Description(), b.target.Category, b.profile.addons)
		}
	}
	return b.runPayload(ctx, ActionInstallAddons, addons, nil)
}

// InstallApplications runs application installers in the guest.
func (b *Builder) InstallApplications(ctx context.Context, apps []script.Script) error {
	b.machine.Require(ActionInstallApplications)
	return b.runPayload(ctx, ActionInstallApplications, apps, nil)
}

// CustomizeSystem runs scripts in the guest in order.
func (b *Builder) CustomizeSystem(ctx context.Context, scripts []script.Script) error {
	b.machine.Require(ActionCustomizeSystem)
	return b.runPayload(ctx, ActionCustomizeSystem, scripts, nil)
}

// Cleanup empties temporary directories and removes the logon hook from the
// guest.
func (b *Builder) Cleanup(ctx context.Context) error {
	b.machine.Require(ActionCleanup)
	if !b.profile.payloads {
		return b.run(ctx, ActionCleanup, func(context.Context) error { return nil })
	}
	return b.runPayload(ctx, ActionCleanup, nil, cleanupCommands)
}

// runPayload boots the installed guest with a payload ISO that runs scripts
// and then extra commands. Nothing is booted when both are empty.
func (b *Builder) runPayload(ctx context.Context, action step.ActionID, scripts []script.Script, extra []string) error {
	for i, sc := range scripts {
		if script.Contains(scripts[:i], sc) {
			return errdefs.Settingsf("duplicate script %q", sc.Description())
		}
		if err := checkPayloadScript(sc); err != nil {
			return err
		}
	}
	empty := len(scripts) == 0 && len(extra) == 0
	if !empty {
		if !b.profile.payloads {
			return errdefs.Settingsf("%s guests cannot run provisioning scripts", b.target.Category)
		}
		if err := b.requireHypervisor(); err != nil {
			return err
		}
	}
	return b.run(ctx, action, func(ctx context.Context) error {
		if empty {
			return nil
		}
		iso := b.workDir.PayloadISOPath()
		if err := buildPayloadISO(iso, scripts, extra); err != nil {
			return err
		}
		defer os.Remove(iso)
		spec := b.vmSpec()
		spec.CDROMs = []string{iso}
		_, err := b.boot(ctx, spec)
		return err
	})
}
