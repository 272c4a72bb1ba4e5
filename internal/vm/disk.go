package vm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/dustin/go-humanize"

	"github.com/cochaviz/stage4/internal/shell"
)

// DiskFormat is the image format of system disks. It supports internal
// snapshots.
const DiskFormat = "qcow2"

var hostEnv = []string{"PATH=/bin:/usr/bin:/sbin:/usr/sbin", "LANG=C.utf8"}

// Disk is a system disk image manipulated with qemu-img.
type Disk struct {
	Path   string
	Runner shell.Runner
	Logger *slog.Logger
}

func (d *Disk) logger() *slog.Logger {
	if d != nil && d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// Exists reports whether the image file is present.
func (d *Disk) Exists() bool {
	_, err := os.Stat(d.Path)
	return err == nil
}

// Create writes an empty image of size bytes, replacing any existing file.
func (d *Disk) Create(ctx context.Context, size uint64) error {
	if size == 0 {
		return errors.New("disk size must be positive")
	}
	abs, err := filepath.Abs(d.Path)
	if err != nil {
		return fmt.Errorf("resolve disk path %q: %w", d.Path, err)
	}
	if err := d.Remove(); err != nil {
		return err
	}
	d.logger().Info("creating disk image", "path", abs, "size", humanize.IBytes(size))
	return d.qemuImg(ctx, "create", "-f", DiskFormat, abs, strconv.FormatUint(size, 10))
}

// Remove deletes the image file if present.
func (d *Disk) Remove() error {
	if err := os.Remove(d.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove disk %q: %w", d.Path, err)
	}
	return nil
}

// Snapshot records the current disk contents under name.
func (d *Disk) Snapshot(ctx context.Context, name string) error {
	return d.qemuImg(ctx, "snapshot", "-c", name, d.Path)
}

// Revert restores the contents recorded under name.
func (d *Disk) Revert(ctx context.Context, name string) error {
	d.logger().Info("reverting disk image", "path", d.Path, "snapshot", name)
	return d.qemuImg(ctx, "snapshot", "-a", name, d.Path)
}

// DeleteSnapshot drops the snapshot name.
func (d *Disk) DeleteSnapshot(ctx context.Context, name string) error {
	return d.qemuImg(ctx, "snapshot", "-d", name, d.Path)
}

// Size returns the allocated size of the image file.
func (d *Disk) Size() (uint64, error) {
	info, err := os.Stat(d.Path)
	if err != nil {
		return 0, err
	}
	return uint64(info.Size()), nil
}

func (d *Disk) qemuImg(ctx context.Context, args ...string) error {
	_, err := d.Runner.Call(ctx, shell.Command{Path: "qemu-img", Args: args, Env: hostEnv})
	if err != nil {
		return fmt.Errorf("qemu-img %s: %w", args[0], err)
	}
	return nil
}
