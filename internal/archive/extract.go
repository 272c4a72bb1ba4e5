// Package archive unpacks compressed tarballs such as stage3 seeds and
// repository snapshots into a root filesystem, keeping ownership, modes,
// device nodes and extended attributes.
package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/pgzip"
	"github.com/ulikunitz/xz"
	"golang.org/x/sys/unix"
)

const xattrPrefix = "SCHILY.xattr."

// Compression is derived from the archive's file name.
type Compression int

const (
	None Compression = iota
	XZ
	Gzip
)

// DetectCompression returns the compression of path, or an error when the
// extension is not a supported tarball.
func DetectCompression(path string) (Compression, error) {
	switch {
	case strings.HasSuffix(path, ".tar.xz"), strings.HasSuffix(path, ".txz"):
		return XZ, nil
	case strings.HasSuffix(path, ".tar.gz"), strings.HasSuffix(path, ".tgz"):
		return Gzip, nil
	case strings.HasSuffix(path, ".tar"):
		return None, nil
	default:
		return None, fmt.Errorf("%s: unsupported archive type", filepath.Base(path))
	}
}

type readCloser struct {
	io.Reader
	close func() error
}

func (r readCloser) Close() error { return r.close() }

// Open opens the tarball at path and returns the decompressed stream.
func Open(path string) (io.ReadCloser, error) {
	compression, err := DetectCompression(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	switch compression {
	case XZ:
		xzr, err := xz.NewReader(f)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("create xz reader: %w", err), f.Close())
		}
		return readCloser{Reader: xzr, close: f.Close}, nil
	case Gzip:
		gzr, err := pgzip.NewReader(f)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("create gzip reader: %w", err), f.Close())
		}
		return readCloser{Reader: gzr, close: func() error { return errors.Join(gzr.Close(), f.Close()) }}, nil
	default:
		return f, nil
	}
}

// ExtractFile unpacks the tarball at path into dest.
func ExtractFile(ctx context.Context, path, dest string) error {
	r, err := Open(path)
	if err != nil {
		return err
	}
	defer r.Close()
	if err := Extract(ctx, r, dest); err != nil {
		return fmt.Errorf("extract %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Extract unpacks an uncompressed tar stream into dest, which must exist.
// Entries that would land outside dest are rejected.
func Extract(ctx context.Context, r io.Reader, dest string) error {
	tr := tar.NewReader(r)
	var dirs []*tar.Header

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}

		name := filepath.Clean(strings.TrimPrefix(hdr.Name, "/"))
		if name == "." {
			if hdr.Typeflag == tar.TypeDir {
				dirs = append(dirs, withName(hdr, "."))
			}
			continue
		}
		if !filepath.IsLocal(name) {
			return fmt.Errorf("entry %q escapes the destination", hdr.Name)
		}
		target := filepath.Join(dest, name)

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if hdr.Typeflag != tar.TypeDir {
			// an existing entry of another type is replaced
			if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
		}

		mode := uint32(hdr.Mode) & 0o7777
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.Mkdir(target, 0o700); err != nil && !errors.Is(err, os.ErrExist) {
				return err
			}
			dirs = append(dirs, withName(hdr, name))
			continue
		case tar.TypeReg:
			if err := writeFile(target, tr); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		case tar.TypeLink:
			linkName := filepath.Clean(strings.TrimPrefix(hdr.Linkname, "/"))
			if !filepath.IsLocal(linkName) {
				return fmt.Errorf("hardlink %q escapes the destination", hdr.Linkname)
			}
			if err := os.Link(filepath.Join(dest, linkName), target); err != nil {
				return err
			}
			continue
		case tar.TypeChar:
			if err := unix.Mknod(target, unix.S_IFCHR|mode, int(unix.Mkdev(uint32(hdr.Devmajor), uint32(hdr.Devminor)))); err != nil {
				return fmt.Errorf("mknod %s: %w", target, err)
			}
		case tar.TypeBlock:
			if err := unix.Mknod(target, unix.S_IFBLK|mode, int(unix.Mkdev(uint32(hdr.Devmajor), uint32(hdr.Devminor)))); err != nil {
				return fmt.Errorf("mknod %s: %w", target, err)
			}
		case tar.TypeFifo:
			if err := unix.Mkfifo(target, mode); err != nil {
				return fmt.Errorf("mkfifo %s: %w", target, err)
			}
		default:
			continue
		}

		if err := applyMetadata(target, hdr); err != nil {
			return err
		}
	}

	// parents are finished after their children, deepest first
	for i := len(dirs) - 1; i >= 0; i-- {
		if err := applyMetadata(filepath.Join(dest, dirs[i].Name), dirs[i]); err != nil {
			return err
		}
	}
	return nil
}

func withName(hdr *tar.Header, name string) *tar.Header {
	h := *hdr
	h.Name = name
	return &h
}

func writeFile(target string, r io.Reader) error {
	f, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		return errors.Join(err, f.Close())
	}
	return f.Close()
}

func applyMetadata(target string, hdr *tar.Header) error {
	if err := os.Lchown(target, hdr.Uid, hdr.Gid); err != nil {
		return err
	}
	for key, value := range hdr.PAXRecords {
		if attr, ok := strings.CutPrefix(key, xattrPrefix); ok {
			if err := unix.Lsetxattr(target, attr, []byte(value), 0); err != nil {
				return fmt.Errorf("set xattr %s on %s: %w", attr, target, err)
			}
		}
	}
	if hdr.Typeflag == tar.TypeSymlink {
		return nil
	}
	if err := os.Chmod(target, hdr.FileInfo().Mode()&(os.ModePerm|os.ModeSetuid|os.ModeSetgid|os.ModeSticky)); err != nil {
		return err
	}
	mtime := hdr.ModTime
	if mtime.IsZero() {
		mtime = time.Now()
	}
	return os.Chtimes(target, mtime, mtime)
}
