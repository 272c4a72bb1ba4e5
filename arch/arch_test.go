package arch

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestNormalizeSpellings(t *testing.T) {
	cases := map[string]Architecture{
		"amd64":   X86_64,
		" X64 ":   X86_64,
		"i386":    I686,
		"x86":     I686,
		"arm64":   AArch64,
		"armhf":   ARMV7L,
		"riscv":   RISCV64,
		"sparc64": "",
	}
	for in, want := range cases {
		if got := Normalize(in); got != want {
			t.Fatalf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestGentooKeywordRoundTrips(t *testing.T) {
	for _, a := range Supported() {
		keyword := a.GentooKeyword()
		if keyword == "" {
			t.Fatalf("%s has no gentoo keyword", a)
		}
		if got := Normalize(keyword); got != a {
			t.Fatalf("Normalize(%q) = %q, want %q", keyword, got, a)
		}
	}
}

func TestParseRejectsUnknown(t *testing.T) {
	if _, err := Parse("vax"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestDetectMatchesHost(t *testing.T) {
	host, err := Host()
	if err != nil {
		t.Skipf("host architecture unsupported: %v", err)
	}

	self, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable() error = %v", err)
	}
	data, err := os.ReadFile(self)
	if err != nil {
		t.Fatalf("read test binary: %v", err)
	}

	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "bin"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "bin", "bash"), data, 0o755); err != nil {
		t.Fatalf("write probe: %v", err)
	}

	got, err := Detect(root)
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if got != host {
		t.Fatalf("Detect() = %s, want %s", got, host)
	}
}

func TestDetectEmptyRoot(t *testing.T) {
	_, err := Detect(t.TempDir())
	if !errors.Is(err, ErrUnknown) {
		t.Fatalf("Detect() error = %v, want ErrUnknown", err)
	}
}
