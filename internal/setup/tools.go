package setup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// StorageDir holds work directories when no other location is given.
var StorageDir = "/var/lib/stage4/"

// HostPath is the search path every host command runs with.
var HostPath = "/bin:/usr/bin:/sbin:/usr/sbin"

// Tool is a host program a build runs, with the package providing it.
type Tool struct {
	Name    string
	Package string
}

// GentooTools are needed by Gentoo builds. unsquashfs is only run for
// squashfs snapshots and openssl only for clear text root passwords.
var GentooTools = []Tool{
	{Name: "mount", Package: "sys-apps/util-linux"},
	{Name: "unsquashfs", Package: "sys-fs/squashfs-tools"},
	{Name: "openssl", Package: "dev-libs/openssl"},
}

// WindowsTools are needed by Windows builds.
var WindowsTools = []Tool{
	{Name: "qemu-img", Package: "app-emulation/qemu"},
	{Name: "mkfs.fat", Package: "sys-fs/dosfstools"},
	{Name: "mcopy", Package: "sys-fs/mtools"},
}

// Lookup returns the path of the named program on HostPath.
func Lookup(name string) (string, error) {
	for _, dir := range filepath.SplitList(HostPath) {
		p := filepath.Join(dir, name)
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		if info.Mode().IsRegular() && info.Mode().Perm()&0o111 != 0 {
			return p, nil
		}
	}
	return "", fmt.Errorf("%s not found in %s", name, HostPath)
}

// Verify reports every tool missing from the host.
func Verify(tools []Tool) error {
	var errs []error
	for _, tool := range tools {
		p, err := Lookup(tool.Name)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w (install %s)", err, tool.Package))
			continue
		}
		getLogger().Debug("found host tool", "tool", tool.Name, "path", p)
	}
	if len(errs) > 0 {
		getLogger().Warn("host tools missing", "count", len(errs))
	}
	return errors.Join(errs...)
}

// Missing lists the names of the tools Verify would report.
func Missing(tools []Tool) []string {
	var names []string
	for _, tool := range tools {
		if _, err := Lookup(tool.Name); err != nil {
			names = append(names, tool.Name)
		}
	}
	return names
}

// Describe renders tools as "name (package)" for help texts.
func Describe(tools []Tool) string {
	parts := make([]string, len(tools))
	for i, tool := range tools {
		parts[i] = fmt.Sprintf("%s (%s)", tool.Name, tool.Package)
	}
	return strings.Join(parts, ", ")
}
