package workdir

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

type inodeKey struct {
	dev uint64
	ino uint64
}

type dirAttrs struct {
	path  string
	mode  fs.FileMode
	atime time.Time
	mtime time.Time
}

// copyTree copies src to dst preserving file types, modes, ownership,
// hardlinks and modification times. dst must not exist.
func copyTree(src, dst string) error {
	links := map[inodeKey]string{}
	var dirs []dirAttrs

	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		info, err := os.Lstat(path)
		if err != nil {
			return err
		}
		st, ok := info.Sys().(*syscall.Stat_t)
		if !ok {
			return fmt.Errorf("%s: no stat information", path)
		}

		if !info.IsDir() && st.Nlink > 1 {
			key := inodeKey{dev: uint64(st.Dev), ino: uint64(st.Ino)}
			if first, seen := links[key]; seen {
				return os.Link(first, target)
			}
			links[key] = target
		}

		mode := info.Mode()
		switch {
		case mode.IsDir():
			if err := os.Mkdir(target, 0o700); err != nil {
				return err
			}
			dirs = append(dirs, dirAttrs{path: target, mode: mode, atime: atime(st), mtime: info.ModTime()})
		case mode.IsRegular():
			if err := copyFile(path, target); err != nil {
				return err
			}
		case mode&fs.ModeSymlink != 0:
			dest, err := os.Readlink(path)
			if err != nil {
				return err
			}
			if err := os.Symlink(dest, target); err != nil {
				return err
			}
			return os.Lchown(target, int(st.Uid), int(st.Gid))
		case mode&fs.ModeNamedPipe != 0:
			if err := unix.Mkfifo(target, uint32(st.Mode)&0o7777); err != nil {
				return fmt.Errorf("mkfifo %s: %w", target, err)
			}
		case mode&fs.ModeDevice != 0:
			if err := unix.Mknod(target, uint32(st.Mode), int(st.Rdev)); err != nil {
				return fmt.Errorf("mknod %s: %w", target, err)
			}
		case mode&fs.ModeSocket != 0:
			// sockets belong to a running process and are not copied
			return nil
		default:
			return fmt.Errorf("%s: unsupported file type %s", path, mode.Type())
		}

		// chown clears setuid bits, so it must come before chmod
		if err := os.Lchown(target, int(st.Uid), int(st.Gid)); err != nil {
			return err
		}
		if mode.IsDir() {
			return nil
		}
		if err := os.Chmod(target, mode); err != nil {
			return err
		}
		return os.Chtimes(target, atime(st), info.ModTime())
	})
	if err != nil {
		return err
	}

	// directories are finished deepest first: a read-only parent would
	// otherwise reject its children and creating them changes mtime
	var errs []error
	for i := len(dirs) - 1; i >= 0; i-- {
		d := dirs[i]
		errs = append(errs, os.Chmod(d.path, d.mode), os.Chtimes(d.path, d.atime, d.mtime))
	}
	return errors.Join(errs...)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		return errors.Join(err, out.Close())
	}
	return out.Close()
}

func atime(st *syscall.Stat_t) time.Time {
	return time.Unix(int64(st.Atim.Sec), int64(st.Atim.Nsec))
}
