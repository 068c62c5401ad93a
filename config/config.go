// Package config loads the per-build kernel description: symbol
// addresses and struct offsets valid for exactly one kernel build.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"kdbg/kdbg"
)

// KernelBuild is the parsed build description file.
type KernelBuild struct {
	Version string            `yaml:"version"`
	Symbols map[string]uint64 `yaml:"symbols"`
	Offsets map[string]uint64 `yaml:"offsets"`
}

// requiredSymbols must all be present for a session to work.
var requiredSymbols = []string{
	kdbg.SymCPUDataEntries,
	kdbg.SymRegisterLoadGadget,
	kdbg.SymExceptionReturn,
	kdbg.SymMDSCRGadget,
	kdbg.SymThreadExceptionReturn,
	kdbg.SymValidLinkRegister,
	kdbg.SymBreakpointLoop,
	kdbg.SymSlehSyncEpilog,
}

// Load reads and validates a build description.
func Load(path string) (*KernelBuild, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var b KernelBuild
	if err := yaml.UnmarshalStrict(raw, &b); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if missing := b.MissingSymbols(); len(missing) > 0 {
		return nil, fmt.Errorf("%s (%s): missing symbols %v", path, b.Version, missing)
	}
	return &b, nil
}

// MissingSymbols lists required symbols the file does not define.
func (b *KernelBuild) MissingSymbols() []string {
	var missing []string
	for _, name := range requiredSymbols {
		if _, ok := b.Symbols[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

// SymbolTable adapts the symbol map to the kdbg resolver contract.
func (b *KernelBuild) SymbolTable() kdbg.StaticSymbols {
	return kdbg.StaticSymbols(b.Symbols)
}

// OffsetTable adapts the offset map, keyed "struct.field".
func (b *KernelBuild) OffsetTable() kdbg.StaticOffsets {
	return kdbg.StaticOffsets(b.Offsets)
}
