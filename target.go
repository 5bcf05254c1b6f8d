package sectembed

import (
	"errors"
	"fmt"
	"math"
	"runtime"
	"strings"
)

// ErrUnsupportedTarget is returned for targets that have no notion of named
// regions with boundary symbols, or that no writer exists for.
var ErrUnsupportedTarget = errors.New("unsupported target")

// Arch is a machine architecture
type Arch int

const (
	ArchX86_64 Arch = iota
	ArchARM64
	ArchRiscv64
)

// String returns the GCC style architecture name
func (a Arch) String() string {
	switch a {
	case ArchX86_64:
		return "x86_64"
	case ArchARM64:
		return "aarch64"
	case ArchRiscv64:
		return "riscv64"
	default:
		return "unknown"
	}
}

// ParseArch converts an architecture name, GOARCH or GCC style, to an Arch
func ParseArch(s string) (Arch, error) {
	switch strings.ToLower(s) {
	case "x86_64", "amd64":
		return ArchX86_64, nil
	case "aarch64", "arm64":
		return ArchARM64, nil
	case "riscv64", "riscv", "rv64":
		return ArchRiscv64, nil
	default:
		return -1, fmt.Errorf("%w: architecture %q", ErrUnsupportedTarget, s)
	}
}

// OS is an operating system
type OS int

const (
	OSLinux OS = iota
	OSDarwin
	OSFreeBSD
	OSWindows
)

func (o OS) String() string {
	switch o {
	case OSLinux:
		return "linux"
	case OSDarwin:
		return "darwin"
	case OSFreeBSD:
		return "freebsd"
	case OSWindows:
		return "windows"
	default:
		return "unknown"
	}
}

// ParseOS converts a GOOS style name to an OS
func ParseOS(s string) (OS, error) {
	switch strings.ToLower(s) {
	case "linux":
		return OSLinux, nil
	case "darwin", "macos", "macosx":
		return OSDarwin, nil
	case "freebsd":
		return OSFreeBSD, nil
	case "windows", "win":
		return OSWindows, nil
	default:
		return -1, fmt.Errorf("%w: operating system %q", ErrUnsupportedTarget, s)
	}
}

// Format is an object file format
type Format int

const (
	FormatELF Format = iota
	FormatMachO
	FormatPE
)

func (f Format) String() string {
	switch f {
	case FormatELF:
		return "ELF"
	case FormatMachO:
		return "Mach-O"
	case FormatPE:
		return "PE"
	default:
		return "unknown"
	}
}

// Target is an architecture and operating system pair, using GCC terminology
// for the architecture.
type Target struct {
	Arch Arch
	OS   OS
}

// ParseTarget parses strings like "arm64-darwin" or "x86_64-linux".
// The result is not checked for support, use Check for that.
func ParseTarget(s string) (Target, error) {
	archStr, osStr, ok := strings.Cut(s, "-")
	if !ok {
		return Target{}, fmt.Errorf("%w: %q is not of the form <arch>-<os>", ErrUnsupportedTarget, s)
	}
	arch, err := ParseArch(archStr)
	if err != nil {
		return Target{}, err
	}
	os, err := ParseOS(osStr)
	if err != nil {
		return Target{}, err
	}
	return Target{Arch: arch, OS: os}, nil
}

// DefaultTarget returns the target for the current runtime
func DefaultTarget() Target {
	var arch Arch
	switch runtime.GOARCH {
	case "arm64":
		arch = ArchARM64
	case "riscv64":
		arch = ArchRiscv64
	default:
		arch = ArchX86_64
	}

	var os OS
	switch runtime.GOOS {
	case "darwin", "ios":
		os = OSDarwin
	case "freebsd":
		os = OSFreeBSD
	case "windows":
		os = OSWindows
	default:
		os = OSLinux
	}

	return Target{Arch: arch, OS: os}
}

// String returns the full target string like "arm64-darwin"
func (t Target) String() string {
	archStr := t.Arch.String()
	switch t.Arch {
	case ArchARM64:
		archStr = "arm64"
	case ArchX86_64:
		archStr = "amd64"
	}
	return archStr + "-" + t.OS.String()
}

// Format returns the object file format used by the target
func (t Target) Format() Format {
	switch t.OS {
	case OSDarwin:
		return FormatMachO
	case OSWindows:
		return FormatPE
	default:
		return FormatELF
	}
}

// Check returns an error wrapping ErrUnsupportedTarget if regions can not be
// embedded for this target.
func (t Target) Check() error {
	switch t.Format() {
	case FormatMachO:
		if _, _, err := machoCPU(t.Arch); err != nil {
			return err
		}
		return nil
	case FormatELF:
		if elfMachine(t.Arch) == 0 {
			return fmt.Errorf("%w: no ELF machine type for %s", ErrUnsupportedTarget, t.Arch)
		}
		return nil
	default:
		return fmt.Errorf("%w: %s has no named regions with boundary symbols (%s)", ErrUnsupportedTarget, t.Format(), t)
	}
}

// MaxRegionSize returns the largest region the object file format can hold.
// Mach-O section file offsets are 32 bits wide.
func (t Target) MaxRegionSize() int64 {
	switch t.Format() {
	case FormatMachO:
		return math.MaxUint32
	case FormatELF:
		return math.MaxInt64
	default:
		return 0
	}
}

// elfMachine returns the ELF machine type constant for a given architecture
func elfMachine(arch Arch) uint16 {
	switch arch {
	case ArchX86_64:
		return 0x3e // AMD x86-64
	case ArchARM64:
		return 0xb7 // ARM64
	case ArchRiscv64:
		return 0xf3 // RISC-V
	default:
		return 0
	}
}
