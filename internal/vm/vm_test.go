package vm

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cochaviz/stage4/arch"
	"github.com/cochaviz/stage4/internal/shell"
)

type fakeDomain struct {
	mu        sync.Mutex
	polls     int
	stopAfter int
	crash     bool
	destroyed bool
	closed    bool
}

func (d *fakeDomain) Name() string { return "fake" }

func (d *fakeDomain) Running() (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.polls++
	if d.destroyed {
		return false, nil
	}
	if d.crash && d.polls >= d.stopAfter {
		return false, ErrGuestCrashed
	}
	return d.stopAfter < 0 || d.polls < d.stopAfter, nil
}

func (d *fakeDomain) Destroy() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroyed = true
	return nil
}

func (d *fakeDomain) Close() error {
	d.closed = true
	return nil
}

type fakeHypervisor struct {
	xml string
	dom *fakeDomain
	err error
}

func (h *fakeHypervisor) Start(_ context.Context, domainXML string) (Domain, error) {
	if h.err != nil {
		return nil, h.err
	}
	h.xml = domainXML
	return h.dom, nil
}

type recordingRunner struct {
	calls []shell.Command
}

func (r *recordingRunner) Call(_ context.Context, cmd shell.Command) (string, error) {
	r.calls = append(r.calls, cmd)
	return "", nil
}

func (r *recordingRunner) Exec(ctx context.Context, cmd shell.Command) error {
	_, err := r.Call(ctx, cmd)
	return err
}

func (r *recordingRunner) Test(ctx context.Context, cmd shell.Command) (bool, error) {
	_, err := r.Call(ctx, cmd)
	return err == nil, err
}

func TestRenderDomainXML(t *testing.T) {
	xml, err := RenderDomainXML(Spec{
		Name:       "stage4-xp",
		Arch:       arch.I686,
		MemoryMB:   1024,
		VCPUs:      1,
		DiskPath:   "/work/disk.img",
		DiskBus:    "ide",
		CDROMs:     []string{"/iso/xp.iso", "/work/answer's.iso"},
		Floppy:     "/work/answer.img",
		BootFromCD: true,
	})
	require.NoError(t, err)
	assert.Contains(t, xml, "<name>stage4-xp</name>")
	assert.Contains(t, xml, "<type arch='i686' machine='pc'>hvm</type>")
	assert.Contains(t, xml, "<boot dev='cdrom'/>")
	assert.Contains(t, xml, "<driver name='qemu' type='qcow2'/>")
	assert.Contains(t, xml, "<target dev='hda' bus='ide'/>")
	assert.Contains(t, xml, "<source file='/iso/xp.iso'/>\n      <target dev='hdc' bus='ide'/>")
	assert.Contains(t, xml, "<source file='/work/answer&#39;s.iso'/>\n      <target dev='hdd' bus='ide'/>")
	assert.Contains(t, xml, "<target dev='fda' bus='fdc'/>")
	assert.Contains(t, xml, "<source network='default'/>")
	assert.Contains(t, xml, "<model type='rtl8139'/>")
}

func TestRenderDomainXMLWithoutOptionalDevices(t *testing.T) {
	xml, err := RenderDomainXML(Spec{
		Name:     "w7",
		Arch:     arch.X86_64,
		Machine:  "q35",
		MemoryMB: 4096,
		VCPUs:    2,
		DiskPath: "/work/disk.img",
	})
	require.NoError(t, err)
	assert.Contains(t, xml, "<type arch='x86_64' machine='q35'>hvm</type>")
	assert.Contains(t, xml, "<boot dev='hd'/>")
	assert.Contains(t, xml, "<target dev='sda' bus='sata'/>")
	assert.NotContains(t, xml, "cdrom'>")
	assert.NotContains(t, xml, "floppy")
}

func TestRenderDomainXMLRejectsInvalidSpecs(t *testing.T) {
	base := Spec{Name: "x", Arch: arch.I686, MemoryMB: 512, VCPUs: 1, DiskPath: "/d.img", DiskBus: "ide"}

	s := base
	s.Arch = arch.AArch64
	_, err := RenderDomainXML(s)
	assert.Error(t, err)

	s = base
	s.CDROMs = []string{"a", "b", "c"}
	_, err = RenderDomainXML(s)
	assert.Error(t, err)

	s = base
	s.DiskBus = "scsi"
	_, err = RenderDomainXML(s)
	assert.Error(t, err)

	s = base
	s.Name = ""
	_, err = RenderDomainXML(s)
	assert.Error(t, err)
}

func TestDisk(t *testing.T) {
	runner := &recordingRunner{}
	path := filepath.Join(t.TempDir(), "disk.img")
	d := &Disk{Path: path, Runner: runner}
	ctx := context.Background()

	require.NoError(t, d.Create(ctx, 10<<30))
	require.NoError(t, d.Snapshot(ctx, "02-MSWIN_INSTALLED"))
	require.NoError(t, d.Revert(ctx, "02-MSWIN_INSTALLED"))
	require.NoError(t, d.DeleteSnapshot(ctx, "02-MSWIN_INSTALLED"))

	var got [][]string
	for _, c := range runner.calls {
		assert.Equal(t, "qemu-img", c.Path)
		got = append(got, c.Args)
	}
	assert.Equal(t, [][]string{
		{"create", "-f", "qcow2", path, "10737418240"},
		{"snapshot", "-c", "02-MSWIN_INSTALLED", path},
		{"snapshot", "-a", "02-MSWIN_INSTALLED", path},
		{"snapshot", "-d", "02-MSWIN_INSTALLED", path},
	}, got)

	assert.Error(t, d.Create(ctx, 0))
	assert.False(t, d.Exists())
}

func render(t *testing.T) string {
	t.Helper()
	xml, err := RenderDomainXML(Spec{Name: "x", Arch: arch.I686, MemoryMB: 512, VCPUs: 1, DiskPath: "/d.img"})
	require.NoError(t, err)
	return xml
}

func TestRunWaitsForPowerOff(t *testing.T) {
	dom := &fakeDomain{stopAfter: 3}
	hv := &fakeHypervisor{dom: dom}
	err := Run(context.Background(), hv, render(t), time.Millisecond, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, dom.polls)
	assert.False(t, dom.destroyed)
	assert.True(t, dom.closed)
	assert.True(t, strings.HasPrefix(hv.xml, "<domain type='kvm'>"))
}

func TestRunDestroysDomainOnCancel(t *testing.T) {
	dom := &fakeDomain{stopAfter: -1}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := Run(ctx, &fakeHypervisor{dom: dom}, render(t), time.Millisecond, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, dom.destroyed)
	assert.True(t, dom.closed)
}

func TestRunReportsCrashedGuest(t *testing.T) {
	dom := &fakeDomain{stopAfter: 2, crash: true}
	err := Run(context.Background(), &fakeHypervisor{dom: dom}, render(t), time.Millisecond, nil)
	require.ErrorIs(t, err, ErrGuestCrashed)
	assert.ErrorContains(t, err, "domain fake")
	assert.Equal(t, 2, dom.polls)
	assert.True(t, dom.destroyed)
	assert.True(t, dom.closed)
}

func TestDomainDefinitionPreservesCrashedGuest(t *testing.T) {
	xml := render(t)
	assert.Contains(t, xml, "<on_crash>preserve</on_crash>")
	assert.Contains(t, xml, "<on_poweroff>destroy</on_poweroff>")
}

func TestRunReportsStartFailure(t *testing.T) {
	hv := &fakeHypervisor{err: errors.New("no kvm")}
	err := Run(context.Background(), hv, render(t), time.Millisecond, nil)
	assert.ErrorContains(t, err, "no kvm")
}

func TestNewName(t *testing.T) {
	a, b := NewName("stage4"), NewName("stage4")
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, "stage4-"))
}
