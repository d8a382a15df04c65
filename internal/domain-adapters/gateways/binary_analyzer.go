// Package gateways provides adapter implementations for external services and tools.
package gateways

import (
	"context"
	"debug/elf"
	"debug/macho"
	"errors"
	"fmt"

	"github.com/ochairo/treefmt-mirror/internal/domain/entities"
)

// binaryAnalyzerGateway checks that an extracted executable was built for its target.
// Uses debug/elf and debug/macho, no external tools required.
type binaryAnalyzerGateway struct{}

// NewBinaryAnalyzerGateway creates a new binary analyzer gateway
//
//nolint:revive // unexported-return: Intentionally returns concrete type for testability
func NewBinaryAnalyzerGateway() *binaryAnalyzerGateway {
	return &binaryAnalyzerGateway{}
}

// InspectBinary returns an error unless binaryPath is an executable for target
func (g *binaryAnalyzerGateway) InspectBinary(_ context.Context, binaryPath string, target entities.PlatformTarget) error {
	switch target.OS {
	case "linux":
		return g.inspectLinuxBinary(binaryPath, target)
	case "macos":
		return g.inspectDarwinBinary(binaryPath, target)
	default:
		return fmt.Errorf("unsupported platform: %s", target)
	}
}

var elfMachines = map[string]elf.Machine{
	"x86_64":  elf.EM_X86_64,
	"aarch64": elf.EM_AARCH64,
}

var machoCPUs = map[string]macho.Cpu{
	"x86_64": macho.CpuAmd64,
	"arm64":  macho.CpuArm64,
}

// inspectLinuxBinary checks the ELF header of a Linux executable
func (g *binaryAnalyzerGateway) inspectLinuxBinary(binaryPath string, target entities.PlatformTarget) error {
	want, ok := elfMachines[target.Arch]
	if !ok {
		return fmt.Errorf("unsupported platform: %s", target)
	}

	f, err := elf.Open(binaryPath)
	if err != nil {
		return fmt.Errorf("not an ELF executable: %w", err)
	}
	//nolint:errcheck // Defer close on read-only file
	defer f.Close()

	if f.Type != elf.ET_EXEC && f.Type != elf.ET_DYN {
		return fmt.Errorf("ELF file type %s is not executable", f.Type)
	}
	if f.Machine != want {
		return fmt.Errorf("binary is built for %s, want %s", f.Machine, want)
	}
	return nil
}

// inspectDarwinBinary checks a thin or universal Mach-O executable
func (g *binaryAnalyzerGateway) inspectDarwinBinary(binaryPath string, target entities.PlatformTarget) error {
	want, ok := machoCPUs[target.Arch]
	if !ok {
		return fmt.Errorf("unsupported platform: %s", target)
	}

	fat, err := macho.OpenFat(binaryPath)
	if err == nil {
		//nolint:errcheck // Defer close on read-only file
		defer fat.Close()
		for _, arch := range fat.Arches {
			if arch.Cpu == want {
				return checkMachOType(arch.File)
			}
		}
		return fmt.Errorf("universal binary has no %s slice", want)
	}
	if !errors.Is(err, macho.ErrNotFat) {
		return fmt.Errorf("failed to read Mach-O file: %w", err)
	}

	f, err := macho.Open(binaryPath)
	if err != nil {
		return fmt.Errorf("not a Mach-O executable: %w", err)
	}
	//nolint:errcheck // Defer close on read-only file
	defer f.Close()

	if f.Cpu != want {
		return fmt.Errorf("binary is built for %s, want %s", f.Cpu, want)
	}
	return checkMachOType(f)
}

func checkMachOType(f *macho.File) error {
	if f.Type != macho.TypeExec {
		return fmt.Errorf("Mach-O file type %s is not executable", f.Type)
	}
	return nil
}
