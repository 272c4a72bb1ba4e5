package workdir

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cochaviz/stage4/internal/errdefs"
)

func newStore(t *testing.T, opts ...Option) *WorkDir {
	t.Helper()
	w := New(filepath.Join(t.TempDir(), "work"), opts...)
	require.NoError(t, w.Initialize())
	return w
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestInitializeCreatesPrivateDirectory(t *testing.T) {
	w := newStore(t)

	info, err := os.Stat(w.Path())
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())
	assert.True(t, w.IsValid())
}

func TestInitializeTruncatesExistingStore(t *testing.T) {
	w := newStore(t)
	require.NoError(t, w.OpenChrootDir(""))
	require.NoError(t, w.CloseChrootDir("00-INIT"))
	require.NoError(t, w.SaveRecord("progress", "1"))

	require.NoError(t, w.Initialize())

	entries, err := os.ReadDir(w.Path())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestVerifyRejectsWrongModeAndType(t *testing.T) {
	w := newStore(t)
	require.NoError(t, os.Chmod(w.Path(), 0o755))

	err := w.Verify()
	require.Error(t, err)
	assert.True(t, errdefs.IsWorkDir(err))
	assert.False(t, w.IsValid())
	assert.Error(t, w.Initialize())

	file := filepath.Join(t.TempDir(), "file")
	writeFile(t, file, "x")
	assert.True(t, errdefs.IsWorkDir(New(file).Verify()))
	assert.True(t, errdefs.IsWorkDir(New(filepath.Join(t.TempDir(), "missing")).Verify()))
}

func TestVerifyRejectsForeignOwner(t *testing.T) {
	owner := CurrentOwner()
	owner.UID++
	w := New(filepath.Join(t.TempDir(), "work"), WithOwner(owner))
	require.NoError(t, os.Mkdir(w.Path(), 0o700))

	assert.True(t, errdefs.IsWorkDir(w.Verify()))
}

func TestInitialCheckpointMovesWithoutRollback(t *testing.T) {
	w := newStore(t)

	require.NoError(t, w.OpenChrootDir(""))
	writeFile(t, filepath.Join(w.ChrootDirPath(), "etc", "hostname"), "gentoo\n")
	require.NoError(t, w.CloseChrootDir("00-INIT"))

	assert.False(t, w.IsChrootDirOpen())
	names, err := w.Checkpoints()
	require.NoError(t, err)
	assert.Equal(t, []string{"00-INIT"}, names)

	require.NoError(t, w.OpenChrootDir("00-INIT"))
	assert.False(t, w.HasCheckpoint("00-INIT"))
	data, err := os.ReadFile(filepath.Join(w.ChrootDirPath(), "etc", "hostname"))
	require.NoError(t, err)
	assert.Equal(t, "gentoo\n", string(data))
}

func TestInitialCheckpointCopiesWithRollback(t *testing.T) {
	w := newStore(t, WithRollback(true))
	require.True(t, w.RollbackEnabled())

	require.NoError(t, w.OpenChrootDir(""))
	writeFile(t, filepath.Join(w.ChrootDirPath(), "etc", "hostname"), "gentoo\n")
	require.NoError(t, w.CloseChrootDir("00-INIT"))

	require.NoError(t, w.OpenChrootDir("00-INIT"))
	assert.True(t, w.HasCheckpoint("00-INIT"))

	writeFile(t, filepath.Join(w.ChrootDirPath(), "etc", "hostname"), "changed\n")
	require.NoError(t, w.CloseChrootDir("01-UNPACKED"))

	original, err := os.ReadFile(filepath.Join(w.CheckpointPath("00-INIT"), "etc", "hostname"))
	require.NoError(t, err)
	assert.Equal(t, "gentoo\n", string(original))

	names, err := w.Checkpoints()
	require.NoError(t, err)
	assert.Equal(t, []string{"00-INIT", "01-UNPACKED"}, names)
}

func TestCopyPreservesTypesAndModes(t *testing.T) {
	src := filepath.Join(t.TempDir(), "src")
	writeFile(t, filepath.Join(src, "bin", "tool"), "#!/bin/sh\n")
	require.NoError(t, os.Chmod(filepath.Join(src, "bin", "tool"), 0o4755))
	require.NoError(t, os.Symlink("bin/tool", filepath.Join(src, "link")))
	require.NoError(t, os.Link(filepath.Join(src, "bin", "tool"), filepath.Join(src, "hard")))
	require.NoError(t, os.Chmod(filepath.Join(src, "bin"), 0o555))
	t.Cleanup(func() { _ = os.Chmod(filepath.Join(src, "bin"), 0o755) })

	dst := filepath.Join(t.TempDir(), "dst")
	require.NoError(t, copyTree(src, dst))
	t.Cleanup(func() { _ = os.Chmod(filepath.Join(dst, "bin"), 0o755) })

	info, err := os.Stat(filepath.Join(dst, "bin", "tool"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755)|os.ModeSetuid, info.Mode()&(os.ModePerm|os.ModeSetuid))

	dirInfo, err := os.Stat(filepath.Join(dst, "bin"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o555), dirInfo.Mode().Perm())

	target, err := os.Readlink(filepath.Join(dst, "link"))
	require.NoError(t, err)
	assert.Equal(t, "bin/tool", target)

	hard, err := os.Stat(filepath.Join(dst, "hard"))
	require.NoError(t, err)
	assert.True(t, os.SameFile(info, hard))
}

func TestOpenTwicePanics(t *testing.T) {
	w := newStore(t)
	require.NoError(t, w.OpenChrootDir(""))

	assert.PanicsWithValue(t, ContractViolation{Message: "current tree is already open"}, func() {
		_ = w.OpenChrootDir("")
	})
}

func TestCloseWithoutOpenPanics(t *testing.T) {
	w := newStore(t)
	assert.Panics(t, func() { _ = w.CloseChrootDir("00-INIT") })
}

func TestCloseOntoExistingCheckpointPanics(t *testing.T) {
	w := newStore(t, WithRollback(true))
	require.NoError(t, w.OpenChrootDir(""))
	require.NoError(t, w.CloseChrootDir("00-INIT"))
	require.NoError(t, w.OpenChrootDir("00-INIT"))

	assert.Panics(t, func() { _ = w.CloseChrootDir("00-INIT") })
}

func TestOpenMissingCheckpoint(t *testing.T) {
	w := newStore(t)
	err := w.OpenChrootDir("03-CONFDIR_INITIALIZED")
	assert.True(t, errdefs.IsWorkDir(err))
	assert.False(t, w.IsChrootDirOpen())
}

func TestCloseWithoutNameDiscards(t *testing.T) {
	w := newStore(t)
	require.NoError(t, w.OpenChrootDir(""))
	require.NoError(t, w.CloseChrootDir(""))

	assert.False(t, w.IsChrootDirOpen())
	names, err := w.Checkpoints()
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestRecords(t *testing.T) {
	w := newStore(t)

	value, err := w.LoadRecord("vm-domain", "none")
	require.NoError(t, err)
	assert.Equal(t, "none", value)

	require.NoError(t, w.SaveRecord("vm-domain", "stage4-win-1"))
	require.NoError(t, w.SaveRecord("vm-domain", "stage4-win-2"))
	value, err = w.LoadRecord("vm-domain", "")
	require.NoError(t, err)
	assert.Equal(t, "stage4-win-2", value)

	_, err = os.Stat(filepath.Join(w.Path(), "vm-domain.save"))
	require.NoError(t, err)

	require.NoError(t, w.DeleteRecord("vm-domain"))
	require.NoError(t, w.DeleteRecord("vm-domain"))
	value, err = w.LoadRecord("vm-domain", "gone")
	require.NoError(t, err)
	assert.Equal(t, "gone", value)

	names, err := w.Checkpoints()
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestInvalidRecordNamePanics(t *testing.T) {
	w := newStore(t)
	assert.Panics(t, func() { _ = w.SaveRecord("../escape", "x") })
	assert.Panics(t, func() { _ = w.SaveRecord("", "x") })
}
