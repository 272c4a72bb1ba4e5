package chroot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"

	"github.com/cochaviz/stage4/internal/logging"
	"github.com/cochaviz/stage4/internal/shell"
)

// Mounter attaches and detaches filesystems. Options use mount(8) spelling:
// bind, rbind, rslave, ro, nosuid, nodev, noexec and loop are understood,
// everything else is passed to the filesystem as data.
type Mounter interface {
	Mount(ctx context.Context, source, target, fstype string, options []string) error
	// Unmount lazily detaches target.
	Unmount(target string) error
	IsMountPoint(target string) (bool, error)
}

// SysMounter mounts with mount(2). Loop mounts of image files are delegated
// to mount(8) because they need a loop device.
type SysMounter struct {
	Runner shell.Runner
	Logger *slog.Logger
}

var _ Mounter = (*SysMounter)(nil)

func (m *SysMounter) logger() *slog.Logger {
	return logging.Ensure(m.Logger)
}

func (m *SysMounter) Mount(ctx context.Context, source, target, fstype string, options []string) error {
	if slices.Contains(options, "loop") {
		return m.mountLoop(ctx, source, target, fstype, options)
	}

	flags, propagation, data := parseOptions(options)
	m.logger().Debug("mounting", "source", source, "target", target, "fstype", fstype, "options", strings.Join(options, ","))

	initial := flags
	if flags&unix.MS_BIND != 0 {
		// the kernel ignores MS_RDONLY on the initial bind
		initial &^= unix.MS_RDONLY
	}
	if err := unix.Mount(source, target, fstype, initial, data); err != nil {
		return fmt.Errorf("mount %s on %s: %w", source, target, err)
	}

	// read-only bind mounts need a remount to take effect
	if flags&unix.MS_BIND != 0 && flags&unix.MS_RDONLY != 0 {
		remount := uintptr(unix.MS_REMOUNT | unix.MS_BIND | unix.MS_RDONLY)
		if err := unix.Mount("", target, "", remount, ""); err != nil {
			return errors.Join(fmt.Errorf("remount %s read-only: %w", target, err), m.Unmount(target))
		}
	}

	if propagation != 0 {
		if err := unix.Mount("", target, "", propagation, ""); err != nil {
			return errors.Join(fmt.Errorf("set propagation on %s: %w", target, err), m.Unmount(target))
		}
	}
	return nil
}

func (m *SysMounter) mountLoop(ctx context.Context, source, target, fstype string, options []string) error {
	if m.Runner == nil {
		return fmt.Errorf("mount %s: loop mounts need a command runner", source)
	}
	args := []string{"-o", strings.Join(options, ",")}
	if fstype != "" {
		args = append(args, "-t", fstype)
	}
	args = append(args, source, target)
	_, err := m.Runner.Call(ctx, shell.Command{Path: "mount", Args: args, Env: hostEnv})
	return err
}

func (m *SysMounter) Unmount(target string) error {
	m.logger().Debug("unmounting", "target", target)
	if err := unix.Unmount(target, unix.MNT_DETACH); err != nil {
		return fmt.Errorf("unmount %s: %w", target, err)
	}
	return nil
}

func (m *SysMounter) IsMountPoint(target string) (bool, error) {
	return mountinfo.Mounted(target)
}

// parseOptions splits mount(8) options into mount(2) flags, a propagation
// change applied after the mount and filesystem data.
func parseOptions(options []string) (flags, propagation uintptr, data string) {
	var rest []string
	for _, opt := range options {
		switch opt {
		case "bind":
			flags |= unix.MS_BIND
		case "rbind":
			flags |= unix.MS_BIND | unix.MS_REC
		case "ro":
			flags |= unix.MS_RDONLY
		case "rw", "defaults":
		case "nosuid":
			flags |= unix.MS_NOSUID
		case "nodev":
			flags |= unix.MS_NODEV
		case "noexec":
			flags |= unix.MS_NOEXEC
		case "rslave":
			propagation = unix.MS_SLAVE | unix.MS_REC
		case "slave":
			propagation = unix.MS_SLAVE
		case "rprivate":
			propagation = unix.MS_PRIVATE | unix.MS_REC
		default:
			rest = append(rest, opt)
		}
	}
	return flags, propagation, strings.Join(rest, ",")
}
