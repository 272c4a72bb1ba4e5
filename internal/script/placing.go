package script

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

type entryKind int

const (
	kindFile entryKind = iota
	kindDir
	kindSymlink
)

type placement struct {
	kind     entryKind
	target   string
	uid, gid int
	mode     fs.FileMode
	fileMode fs.FileMode
	content  []byte
	hostPath string
	link     string
}

// PlacingFiles installs files, directories and symlinks at absolute paths in
// the target root with the requested ownership and modes. Content is staged
// under data/ and copied into place by the generated entry point.
type PlacingFiles struct {
	description string
	entries     []placement
}

func NewPlacingFiles(description string) *PlacingFiles {
	mustDescribe(description)
	return &PlacingFiles{description: description}
}

func checkTarget(target string, mode fs.FileMode) {
	if !path.IsAbs(target) || path.Clean(target) == "/" {
		panic(fmt.Sprintf("script: placement target %q must be an absolute non-root path", target))
	}
	if mode > 0o777 {
		panic(fmt.Sprintf("script: invalid mode %o for %s", mode, target))
	}
}

// AddFile places content at target.
func (s *PlacingFiles) AddFile(target string, content []byte, uid, gid int, mode fs.FileMode) *PlacingFiles {
	checkTarget(target, mode)
	s.entries = append(s.entries, placement{kind: kindFile, target: path.Clean(target), uid: uid, gid: gid, mode: mode, content: content})
	return s
}

// AddHostFile places a copy of the host file at target.
func (s *PlacingFiles) AddHostFile(target, hostPath string, uid, gid int, mode fs.FileMode) *PlacingFiles {
	checkTarget(target, mode)
	s.entries = append(s.entries, placement{kind: kindFile, target: path.Clean(target), uid: uid, gid: gid, mode: mode, hostPath: hostPath})
	return s
}

// AddDir creates an empty directory at target.
func (s *PlacingFiles) AddDir(target string, uid, gid int, mode fs.FileMode) *PlacingFiles {
	checkTarget(target, mode)
	s.entries = append(s.entries, placement{kind: kindDir, target: path.Clean(target), uid: uid, gid: gid, mode: mode})
	return s
}

// AddHostDir copies a host directory tree to target, applying dirMode to
// directories and fileMode to files.
func (s *PlacingFiles) AddHostDir(target, hostPath string, uid, gid int, dirMode, fileMode fs.FileMode) *PlacingFiles {
	checkTarget(target, dirMode)
	checkTarget(target, fileMode)
	s.entries = append(s.entries, placement{kind: kindDir, target: path.Clean(target), uid: uid, gid: gid, mode: dirMode, fileMode: fileMode, hostPath: hostPath})
	return s
}

// AddSymlink creates a symlink at target pointing to link.
func (s *PlacingFiles) AddSymlink(target, link string, uid, gid int) *PlacingFiles {
	checkTarget(target, 0)
	if link == "" {
		panic("script: symlink destination is empty")
	}
	s.entries = append(s.entries, placement{kind: kindSymlink, target: path.Clean(target), uid: uid, gid: gid, link: link})
	return s
}

// AddHostSymlink recreates the host symlink at hostPath as target.
func (s *PlacingFiles) AddHostSymlink(target, hostPath string, uid, gid int) *PlacingFiles {
	checkTarget(target, 0)
	s.entries = append(s.entries, placement{kind: kindSymlink, target: path.Clean(target), uid: uid, gid: gid, hostPath: hostPath})
	return s
}

func (s *PlacingFiles) Description() string { return s.description }
func (s *PlacingFiles) ScriptName() string  { return FileName }

func (s *PlacingFiles) FillScriptDir(hostDir string) error {
	dataDir := filepath.Join(hostDir, "data")
	if err := os.Mkdir(dataDir, 0o755); err != nil {
		return err
	}

	var b strings.Builder
	b.WriteString("#!/bin/sh\nset -e\n")

	for _, e := range s.entries {
		staged := filepath.Join(dataDir, filepath.FromSlash(e.target[1:]))
		data := quote("data" + e.target)
		target := quote(e.target)
		owner := fmt.Sprintf("%d:%d", e.uid, e.gid)

		switch e.kind {
		case kindFile:
			if err := os.MkdirAll(filepath.Dir(staged), 0o755); err != nil {
				return err
			}
			if e.hostPath != "" {
				if err := copyFile(e.hostPath, staged); err != nil {
					return fmt.Errorf("stage %s: %w", e.hostPath, err)
				}
			} else if err := os.WriteFile(staged, e.content, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(&b, "mkdir -p %s\n", quote(path.Dir(e.target)))
			fmt.Fprintf(&b, "cp %s %s\n", data, target)
			fmt.Fprintf(&b, "chown %s %s\n", owner, target)
			fmt.Fprintf(&b, "chmod %04o %s\n", e.mode, target)

		case kindDir:
			fmt.Fprintf(&b, "mkdir -p %s\n", target)
			if e.hostPath != "" {
				if err := os.MkdirAll(staged, 0o755); err != nil {
					return err
				}
				if err := copyDir(e.hostPath, staged, 0o755, 0o644); err != nil {
					return fmt.Errorf("stage %s: %w", e.hostPath, err)
				}
				fmt.Fprintf(&b, "cp -R %s/. %s\n", data, target)
				fmt.Fprintf(&b, "chown -R %s %s\n", owner, target)
				fmt.Fprintf(&b, "find %s -type d -exec chmod %04o {} +\n", target, e.mode)
				fmt.Fprintf(&b, "find %s -type f -exec chmod %04o {} +\n", target, e.fileMode)
			} else {
				fmt.Fprintf(&b, "chown %s %s\n", owner, target)
				fmt.Fprintf(&b, "chmod %04o %s\n", e.mode, target)
			}

		case kindSymlink:
			link := e.link
			if e.hostPath != "" {
				var err error
				if link, err = os.Readlink(e.hostPath); err != nil {
					return err
				}
			}
			fmt.Fprintf(&b, "mkdir -p %s\n", quote(path.Dir(e.target)))
			fmt.Fprintf(&b, "ln -sfn %s %s\n", quote(link), target)
			fmt.Fprintf(&b, "chown -h %s %s\n", owner, target)
		}
	}

	return writeExecutable(filepath.Join(hostDir, FileName), b.String())
}

// quote wraps s in single quotes for /bin/sh.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
