// Package script defines programs that are staged into a directory of the
// target root and executed there by a chroot session.
package script

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FileName is the entry point written by scripts generated from content.
const FileName = "main.script"

// Script is a program run inside the target root. FillScriptDir populates a
// host directory that appears inside the chroot as the script's working
// directory; ScriptName is the file executed from it.
//
// Two scripts are the same when their descriptions are equal.
type Script interface {
	FillScriptDir(hostDir string) error
	Description() string
	ScriptName() string
}

// Equal compares scripts by description.
func Equal(a, b Script) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Description() == b.Description()
}

// Contains reports whether list has a script equal to s.
func Contains(list []Script, s Script) bool {
	for _, candidate := range list {
		if Equal(candidate, s) {
			return true
		}
	}
	return false
}

func mustDescribe(description string) {
	if description == "" {
		panic("script: description must not be empty")
	}
}

// FromBuffer is a script whose content is held in memory.
type FromBuffer struct {
	description string
	content     string
}

// NewFromBuffer trims redundant surrounding newlines from content and
// terminates it with exactly one.
func NewFromBuffer(description, content string) *FromBuffer {
	mustDescribe(description)
	return &FromBuffer{description: description, content: strings.Trim(content, "\n") + "\n"}
}

func (s *FromBuffer) FillScriptDir(hostDir string) error {
	return writeExecutable(filepath.Join(hostDir, FileName), s.content)
}

func (s *FromBuffer) Description() string { return s.description }
func (s *FromBuffer) ScriptName() string  { return FileName }

// OneLiner runs a single command with an interpreter, /bin/sh by default.
type OneLiner struct {
	description string
	command     string
	executor    string
}

func NewOneLiner(description, command string) *OneLiner {
	return NewOneLinerWith(description, command, "/bin/sh")
}

func NewOneLinerWith(description, command, executor string) *OneLiner {
	mustDescribe(description)
	if command == "" || executor == "" {
		panic("script: one-liner needs a command and an executor")
	}
	return &OneLiner{description: description, command: command, executor: executor}
}

func (s *OneLiner) FillScriptDir(hostDir string) error {
	return writeExecutable(filepath.Join(hostDir, FileName), fmt.Sprintf("#!%s\n%s\n", s.executor, s.command))
}

func (s *OneLiner) Description() string { return s.description }
func (s *OneLiner) ScriptName() string  { return FileName }

// FromHostFile stages a single executable from the host.
type FromHostFile struct {
	description string
	path        string
}

func NewFromHostFile(description, path string) *FromHostFile {
	mustDescribe(description)
	if path == "" {
		panic("script: host file path is empty")
	}
	return &FromHostFile{description: description, path: path}
}

func (s *FromHostFile) FillScriptDir(hostDir string) error {
	target := filepath.Join(hostDir, filepath.Base(s.path))
	if err := copyFile(s.path, target); err != nil {
		return err
	}
	return os.Chmod(target, 0o755)
}

func (s *FromHostFile) Description() string { return s.description }
func (s *FromHostFile) ScriptName() string  { return filepath.Base(s.path) }

// FromHostDir stages a whole host directory and runs one file in it. Staged
// files are 0644 and directories 0755, except the entry point which is 0755.
type FromHostDir struct {
	description string
	dir         string
	entry       string
}

func NewFromHostDir(description, dir, entry string) *FromHostDir {
	mustDescribe(description)
	if dir == "" || entry == "" || strings.ContainsRune(entry, '/') {
		panic(fmt.Sprintf("script: invalid host directory script %q in %q", entry, dir))
	}
	return &FromHostDir{description: description, dir: dir, entry: entry}
}

func (s *FromHostDir) FillScriptDir(hostDir string) error {
	if err := copyDir(s.dir, hostDir, 0o755, 0o644); err != nil {
		return fmt.Errorf("stage %s: %w", s.dir, err)
	}
	return os.Chmod(filepath.Join(hostDir, s.entry), 0o755)
}

func (s *FromHostDir) Description() string { return s.description }
func (s *FromHostDir) ScriptName() string  { return s.entry }

func writeExecutable(path, content string) error {
	if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
		return err
	}
	// WriteFile is subject to umask
	return os.Chmod(path, 0o755)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		return errors.Join(err, out.Close())
	}
	return out.Close()
}

// copyDir copies the contents of src into the existing directory dst,
// normalising modes. Symlinks are recreated as-is.
func copyDir(src, dst string, dirMode, fileMode fs.FileMode) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		switch {
		case d.IsDir():
			if err := os.MkdirAll(target, dirMode); err != nil {
				return err
			}
			return os.Chmod(target, dirMode)
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case d.Type().IsRegular():
			if err := copyFile(path, target); err != nil {
				return err
			}
			return os.Chmod(target, fileMode)
		default:
			return fmt.Errorf("%s: unsupported file type", path)
		}
	})
}
