package main

import (
	"bytes"
	"io"
	"log/slog"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	config "github.com/cochaviz/stage4/config"
)

func TestPrintStatus(t *testing.T) {
	color.NoColor = true

	var buf bytes.Buffer
	printStatus(&buf, &config.WorkDirStatus{
		Path:          "/var/lib/stage4/work",
		WindowsStep:   "MSWIN_INSTALLED",
		DiskImage:     "/var/lib/stage4/work/disk.img",
		DiskImageSize: 3 << 30,
	})
	assert.Equal(t, "/var/lib/stage4/work\n"+
		"  windows: MSWIN_INSTALLED\n"+
		"  disk image /var/lib/stage4/work/disk.img (3.0 GiB on disk)\n", buf.String())

	buf.Reset()
	printStatus(&buf, &config.WorkDirStatus{Path: "/w", Checkpoints: []string{"01-UNPACKED"}, GentooStep: "UNPACKED", TreeOpen: true})
	assert.Equal(t, "/w\n"+
		"  gentoo:  UNPACKED\n"+
		"  an interrupted action left the current tree open\n"+
		"  checkpoint 01-UNPACKED\n", buf.String())
}

func TestCommandTree(t *testing.T) {
	var level slog.LevelVar
	root := newRootCommand(slog.New(slog.NewTextHandler(io.Discard, nil)), &level)

	for _, path := range [][]string{
		{"gentoo", "build"},
		{"gentoo", "rollback"},
		{"windows", "build"},
		{"windows", "rollback"},
		{"workdir", "init"},
		{"workdir", "status"},
		{"setup"},
		{"example"},
	} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}

	build, _, err := root.Find([]string{"windows", "build"})
	require.NoError(t, err)
	assert.NotNil(t, build.Flags().Lookup("connect-uri"))
	gentoo, _, err := root.Find([]string{"gentoo", "build"})
	require.NoError(t, err)
	assert.Nil(t, gentoo.Flags().Lookup("connect-uri"))

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"example"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "windows-7\n")

	root.SetArgs([]string{"--log-level", "loud", "workdir", "status", "--work-dir", t.TempDir()})
	root.SetOut(io.Discard)
	assert.Error(t, root.Execute())
}
