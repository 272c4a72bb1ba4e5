// Package workdir manages the build's working directory: named checkpoints of
// the target root filesystem, the single in-progress tree and small text
// records that survive process restarts.
//
// Layout:
//
//	<path>/<NN>-<STEP>/   historical checkpoints
//	<path>/cur/           the current tree, at most one
//	<path>/<name>.save    records
package workdir

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"syscall"

	"github.com/google/renameio"
	"github.com/moby/sys/mountinfo"

	"github.com/cochaviz/stage4/internal/errdefs"
	"github.com/cochaviz/stage4/internal/logging"
)

const (
	dirMode          fs.FileMode = 0o700
	currentName                  = "cur"
	recordSuffix                 = ".save"
	imageFileName                = "disk.img"
	answerISOName                = "answer.iso"
	answerFloppyName             = "answer.img"
	payloadISOName               = "payload.iso"
)

// ContractViolation is the panic value for misuse of the store, such as
// opening a current tree twice.
type ContractViolation struct {
	Message string
}

func (c ContractViolation) Error() string {
	return "workdir contract violation: " + c.Message
}

func violate(format string, args ...any) {
	panic(ContractViolation{Message: fmt.Sprintf(format, args...)})
}

// Owner is the uid/gid the store must belong to.
type Owner struct {
	UID int
	GID int
}

// CurrentOwner returns the owner matching the running process.
func CurrentOwner() Owner {
	return Owner{UID: os.Getuid(), GID: os.Getgid()}
}

// WorkDir is a handle on the checkpoint store.
type WorkDir struct {
	path     string
	owner    Owner
	rollback bool
	Logger   *slog.Logger
}

type Option func(*WorkDir)

// WithRollback keeps checkpoints when they are promoted to the current tree,
// copying instead of renaming.
func WithRollback(enabled bool) Option {
	return func(w *WorkDir) { w.rollback = enabled }
}

// WithOwner sets the expected owner of the store.
func WithOwner(owner Owner) Option {
	return func(w *WorkDir) { w.owner = owner }
}

func WithLogger(logger *slog.Logger) Option {
	return func(w *WorkDir) { w.Logger = logger }
}

// New returns a handle on the store at path. Nothing is touched on disk.
func New(path string, opts ...Option) *WorkDir {
	if path == "" {
		violate("work directory path is empty")
	}
	w := &WorkDir{path: filepath.Clean(path), owner: CurrentOwner()}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *WorkDir) logger() *slog.Logger {
	return logging.Ensure(w.Logger).With("component", "workdir", "path", w.path)
}

func (w *WorkDir) Path() string {
	return w.path
}

// RollbackEnabled reports whether checkpoints survive being opened.
func (w *WorkDir) RollbackEnabled() bool {
	return w.rollback
}

// ChrootDirPath is the path of the current tree.
func (w *WorkDir) ChrootDirPath() string {
	return filepath.Join(w.path, currentName)
}

// CheckpointPath is the path of the named checkpoint.
func (w *WorkDir) CheckpointPath(name string) string {
	checkName(name)
	return filepath.Join(w.path, name)
}

// ImageFilePath is the VM disk image used by the Windows flow.
func (w *WorkDir) ImageFilePath() string {
	return filepath.Join(w.path, imageFileName)
}

// AnswerISOPath is the ISO carrying the unattended-install answer file.
func (w *WorkDir) AnswerISOPath() string {
	return filepath.Join(w.path, answerISOName)
}

// AnswerFloppyPath is the floppy image used by installers that only read
// their answer file from drive A:.
func (w *WorkDir) AnswerFloppyPath() string {
	return filepath.Join(w.path, answerFloppyName)
}

// PayloadISOPath is the ISO carrying files run inside an installed guest.
func (w *WorkDir) PayloadISOPath() string {
	return filepath.Join(w.path, payloadISOName)
}

// Initialize creates the store, or verifies and empties an existing one.
func (w *WorkDir) Initialize() error {
	if _, err := os.Stat(w.path); errors.Is(err, fs.ErrNotExist) {
		if err := os.Mkdir(w.path, dirMode); err != nil {
			return fmt.Errorf("create work directory: %w", err)
		}
		// umask may have removed bits
		if err := os.Chmod(w.path, dirMode); err != nil {
			return fmt.Errorf("chmod work directory: %w", err)
		}
		if err := os.Lchown(w.path, w.owner.UID, w.owner.GID); err != nil {
			return fmt.Errorf("chown work directory: %w", err)
		}
		w.logger().Info("created work directory")
		return nil
	} else if err != nil {
		return fmt.Errorf("stat work directory: %w", err)
	}

	if err := w.Verify(); err != nil {
		return err
	}
	if err := w.ensureNothingMounted(); err != nil {
		return err
	}

	entries, err := os.ReadDir(w.path)
	if err != nil {
		return fmt.Errorf("read work directory: %w", err)
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(w.path, entry.Name())); err != nil {
			return fmt.Errorf("truncate work directory: %w", err)
		}
	}
	w.logger().Info("truncated work directory", "entries", len(entries))
	return nil
}

// Verify checks type, mode and ownership of an existing store.
func (w *WorkDir) Verify() error {
	// the store may be a symlink to a directory, so follow it
	info, err := os.Stat(w.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &errdefs.WorkDirError{Path: w.path, Message: "does not exist"}
		}
		return fmt.Errorf("stat work directory: %w", err)
	}
	if !info.IsDir() {
		return &errdefs.WorkDirError{Path: w.path, Message: "is not a directory"}
	}
	if info.Mode()&(fs.ModePerm|fs.ModeSetuid|fs.ModeSetgid|fs.ModeSticky) != dirMode {
		return &errdefs.WorkDirError{Path: w.path, Message: fmt.Sprintf("invalid mode %s", info.Mode())}
	}
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return &errdefs.WorkDirError{Path: w.path, Message: "cannot determine ownership"}
	}
	if int(st.Uid) != w.owner.UID {
		return &errdefs.WorkDirError{Path: w.path, Message: fmt.Sprintf("invalid uid %d", st.Uid)}
	}
	if int(st.Gid) != w.owner.GID {
		return &errdefs.WorkDirError{Path: w.path, Message: fmt.Sprintf("invalid gid %d", st.Gid)}
	}
	return nil
}

// IsValid is the non-raising form of Verify.
func (w *WorkDir) IsValid() bool {
	return w.Verify() == nil
}

// IsChrootDirOpen reports whether a current tree exists.
func (w *WorkDir) IsChrootDirOpen() bool {
	_, err := os.Lstat(w.ChrootDirPath())
	return err == nil
}

// Checkpoints lists checkpoint directory names in lexical order, which is
// also build order.
func (w *WorkDir) Checkpoints() ([]string, error) {
	entries, err := os.ReadDir(w.path)
	if err != nil {
		return nil, fmt.Errorf("read work directory: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == currentName {
			continue
		}
		names = append(names, entry.Name())
	}
	slices.Sort(names)
	return names, nil
}

// HasCheckpoint reports whether the named checkpoint exists.
func (w *WorkDir) HasCheckpoint(name string) bool {
	info, err := os.Lstat(w.CheckpointPath(name))
	return err == nil && info.IsDir()
}

// OpenChrootDir promotes the named checkpoint to the current tree, or
// creates an empty current tree when from is empty.
func (w *WorkDir) OpenChrootDir(from string) error {
	if w.IsChrootDirOpen() {
		violate("current tree is already open")
	}
	cur := w.ChrootDirPath()
	logger := w.logger()

	if from == "" {
		if err := os.Mkdir(cur, 0o755); err != nil {
			return fmt.Errorf("create current tree: %w", err)
		}
		logger.Debug("opened empty current tree")
		return nil
	}

	if !w.HasCheckpoint(from) {
		return &errdefs.WorkDirError{Path: w.path, Message: fmt.Sprintf("checkpoint %q does not exist", from)}
	}
	src := w.CheckpointPath(from)

	if !w.rollback {
		if err := os.Rename(src, cur); err != nil {
			return fmt.Errorf("promote checkpoint %s: %w", from, err)
		}
		logger.Debug("moved checkpoint to current tree", "checkpoint", from)
		return nil
	}

	if err := copyTree(src, cur); err != nil {
		return errors.Join(fmt.Errorf("copy checkpoint %s: %w", from, err), os.RemoveAll(cur))
	}
	logger.Debug("copied checkpoint to current tree", "checkpoint", from)
	return nil
}

// CloseChrootDir demotes the current tree to the named checkpoint, or deletes
// it when to is empty.
func (w *WorkDir) CloseChrootDir(to string) error {
	if !w.IsChrootDirOpen() {
		violate("no current tree is open")
	}
	cur := w.ChrootDirPath()

	if to == "" {
		if err := os.RemoveAll(cur); err != nil {
			return fmt.Errorf("discard current tree: %w", err)
		}
		w.logger().Debug("discarded current tree")
		return nil
	}

	if w.HasCheckpoint(to) {
		violate("checkpoint %q already exists", to)
	}
	if err := os.Rename(cur, w.CheckpointPath(to)); err != nil {
		return fmt.Errorf("store checkpoint %s: %w", to, err)
	}
	w.logger().Debug("stored current tree as checkpoint", "checkpoint", to)
	return nil
}

// RemoveCheckpoint deletes a checkpoint. It is used when rolling back past it.
func (w *WorkDir) RemoveCheckpoint(name string) error {
	if err := os.RemoveAll(w.CheckpointPath(name)); err != nil {
		return fmt.Errorf("remove checkpoint %s: %w", name, err)
	}
	return nil
}

// SaveRecord persists value under name, replacing any previous value
// atomically.
func (w *WorkDir) SaveRecord(name, value string) error {
	if err := renameio.WriteFile(w.recordPath(name), []byte(value), 0o600); err != nil {
		return fmt.Errorf("save record %s: %w", name, err)
	}
	return nil
}

// LoadRecord returns the record value, or def when it does not exist.
func (w *WorkDir) LoadRecord(name, def string) (string, error) {
	data, err := os.ReadFile(w.recordPath(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return def, nil
		}
		return "", fmt.Errorf("load record %s: %w", name, err)
	}
	return string(data), nil
}

// DeleteRecord removes a record; a missing record is not an error.
func (w *WorkDir) DeleteRecord(name string) error {
	if err := os.Remove(w.recordPath(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete record %s: %w", name, err)
	}
	return nil
}

func (w *WorkDir) recordPath(name string) string {
	checkName(name)
	return filepath.Join(w.path, name+recordSuffix)
}

func (w *WorkDir) ensureNothingMounted() error {
	root, err := filepath.EvalSymlinks(w.path)
	if err != nil {
		return fmt.Errorf("resolve work directory: %w", err)
	}
	mounts, err := mountinfo.GetMounts(mountinfo.PrefixFilter(root))
	if err != nil {
		return fmt.Errorf("read mount table: %w", err)
	}
	for _, m := range mounts {
		if m.Mountpoint != root {
			return &errdefs.WorkDirError{Path: w.path, Message: fmt.Sprintf("%s is still mounted", m.Mountpoint)}
		}
	}
	return nil
}

func checkName(name string) {
	if name == "" || name == currentName || name == "." || name == ".." || strings.ContainsRune(name, '/') {
		violate("invalid name %q", name)
	}
}
