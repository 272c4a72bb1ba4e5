package arch

import (
	"debug/elf"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sys/unix"
)

// Architecture is a machine name as reported by uname(2).
type Architecture string

const (
	X86_64  Architecture = "x86_64"
	I686    Architecture = "i686"
	AArch64 Architecture = "aarch64"
	ARMV7L  Architecture = "armv7l"
	PPC64LE Architecture = "ppc64le"
	RISCV64 Architecture = "riscv64"
)

// Supported returns the full list of supported architectures.
func Supported() []Architecture {
	return []Architecture{
		X86_64,
		I686,
		AArch64,
		ARMV7L,
		PPC64LE,
		RISCV64,
	}
}

// IsValid reports whether a matches a supported architecture value.
func (a Architecture) IsValid() bool {
	switch a {
	case X86_64, I686, AArch64, ARMV7L, PPC64LE, RISCV64:
		return true
	default:
		return false
	}
}

func (a Architecture) String() string {
	return string(a)
}

// GentooKeyword is the name Gentoo uses for a in stage archive names and
// ACCEPT_KEYWORDS.
func (a Architecture) GentooKeyword() string {
	switch a {
	case X86_64:
		return "amd64"
	case I686:
		return "x86"
	case AArch64:
		return "arm64"
	case ARMV7L:
		return "arm"
	case PPC64LE:
		return "ppc64"
	case RISCV64:
		return "riscv"
	default:
		return ""
	}
}

// Parse returns the canonical Architecture for the provided string or an error if unsupported.
func Parse(value string) (Architecture, error) {
	if arch := Normalize(value); arch != "" {
		return arch, nil
	}
	return "", fmt.Errorf("unsupported architecture %q (supported: %s)", value, strings.Join(supportedStrings(), ", "))
}

// MustParse is like Parse but panics on error.
func MustParse(value string) Architecture {
	arch, err := Parse(value)
	if err != nil {
		panic(err)
	}
	return arch
}

// Normalize maps uname, Gentoo and Windows spellings onto a canonical
// Architecture. Returns "" when the string cannot be normalized.
func Normalize(value string) Architecture {
	normalized := strings.ToLower(strings.TrimSpace(value))
	switch normalized {
	case string(X86_64), "x86-64", "amd64", "x64":
		return X86_64
	case "x86", "i386", "i486", "i586", string(I686), "386":
		return I686
	case string(AArch64), "arm64":
		return AArch64
	case string(ARMV7L), "arm", "armv7", "armv7a", "armhf":
		return ARMV7L
	case string(PPC64LE), "ppc64", "ppc64el":
		return PPC64LE
	case string(RISCV64), "riscv":
		return RISCV64
	default:
		return ""
	}
}

// Host returns the architecture of the running kernel.
func Host() (Architecture, error) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return "", fmt.Errorf("uname: %w", err)
	}
	machine := unix.ByteSliceToString(uts.Machine[:])
	if arch := Normalize(machine); arch != "" {
		return arch, nil
	}
	return "", fmt.Errorf("unsupported host architecture %q", machine)
}

var rootProbes = []string{"bin/bash", "usr/bin/bash", "bin/busybox", "usr/bin/busybox"}

// ErrUnknown is returned by Detect when no probe binary exists in the tree.
var ErrUnknown = errors.New("cannot detect architecture")

// Detect reads the ELF header of a well-known binary inside the root
// filesystem at root.
func Detect(root string) (Architecture, error) {
	for _, probe := range rootProbes {
		path := filepath.Join(root, probe)
		info, err := os.Lstat(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		} else if err != nil {
			return "", err
		}
		// symlinks would resolve against the host
		if !info.Mode().IsRegular() {
			continue
		}
		return detectELF(path)
	}
	return "", fmt.Errorf("%w in %s", ErrUnknown, root)
}

func detectELF(path string) (Architecture, error) {
	f, err := elf.Open(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	defer f.Close()

	switch f.Machine {
	case elf.EM_X86_64:
		return X86_64, nil
	case elf.EM_386:
		return I686, nil
	case elf.EM_AARCH64:
		return AArch64, nil
	case elf.EM_ARM:
		return ARMV7L, nil
	case elf.EM_PPC64:
		return PPC64LE, nil
	case elf.EM_RISCV:
		return RISCV64, nil
	default:
		return "", fmt.Errorf("%w: %s has machine %s", ErrUnknown, path, f.Machine)
	}
}

func supportedStrings() []string {
	all := Supported()
	out := make([]string, 0, len(all))
	for _, a := range all {
		out = append(out, a.String())
	}
	sort.Strings(out)
	return out
}
