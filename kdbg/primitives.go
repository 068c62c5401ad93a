package kdbg

import (
	"errors"
	"fmt"
)

// MaxCallArgs is the register argument limit of the kernel call primitive.
const MaxCallArgs = 8

// ThreadHandle names a thread in the debugged task. The handle itself is
// opaque to this package; HandleResolver turns it into the address of the
// thread's kernel object.
type ThreadHandle uint32

// Memory is the kernel memory read/write primitive. All addresses are
// kernel virtual addresses. Faults are not survivable: a failed read or
// write leaves the session in an undefined state and must be treated as
// fatal by the caller.
type Memory interface {
	Read32(addr uint64) (uint32, error)
	Read64(addr uint64) (uint64, error)
	Write32(addr uint64, val uint32) error
	Write64(addr uint64, val uint64) error
	ReadBytes(addr uint64, p []byte) error
	WriteBytes(addr uint64, p []byte) error
}

// Caller is the arbitrary kernel function call primitive. Call executes
// target in kernel mode on the calling session's thread with up to
// MaxCallArgs register arguments. The return value is whatever ends up in
// the first return register and is usually meaningless after an
// exception-return hijack.
type Caller interface {
	Call(target uint64, args ...uint64) (uint64, error)
}

// SymbolResolver maps kernel symbol names to addresses for the one exact
// kernel build being debugged.
type SymbolResolver interface {
	Resolve(name string) (uint64, error)
}

// OffsetResolver maps struct.field names to byte offsets for the running
// kernel build.
type OffsetResolver interface {
	OffsetOf(structName, fieldName string) (uint64, error)
}

// HandleResolver translates thread handles to kernel object addresses.
type HandleResolver interface {
	KernelObjectOf(h ThreadHandle) (uint64, error)
	CurrentThread() (ThreadHandle, error)
}

// Allocator hands out wired kernel memory for staging synthetic state
// blocks. There is no free.
type Allocator interface {
	Allocate(size uint64) (uint64, error)
}

// Scheduler exposes the two cooperative scheduling operations the
// debugger needs: giving up the core, and nudging a specific thread back
// onto it.
type Scheduler interface {
	Yield() error
	SwitchTo(h ThreadHandle) error
}

// DebugStateSetter is the standard, safe breakpoint installation
// interface (thread_set_state on the original target). It registers a
// value/control pair in a hardware breakpoint slot but sanitizes the
// control word, which is why DebugModeController patches the live mirror
// afterwards.
type DebugStateSetter interface {
	SetHardwareBreakpoint(h ThreadHandle, slot int, value uint64, control uint32) error
}

// Target bundles every external collaborator the debugger consumes.
type Target struct {
	Mem     Memory
	Call    Caller
	Symbols SymbolResolver
	Offsets OffsetResolver
	Handles HandleResolver
	Alloc   Allocator
	Sched   Scheduler
	Debug   DebugStateSetter
}

var errIncompleteTarget = errors.New("incomplete target")

// Validate rejects a target with a missing collaborator before any of it
// is dereferenced mid-session.
func (t *Target) Validate() error {
	switch {
	case t == nil:
		return errIncompleteTarget
	case t.Mem == nil:
		return fmt.Errorf("%w: no memory primitive", errIncompleteTarget)
	case t.Call == nil:
		return fmt.Errorf("%w: no call primitive", errIncompleteTarget)
	case t.Symbols == nil:
		return fmt.Errorf("%w: no symbol resolver", errIncompleteTarget)
	case t.Offsets == nil:
		return fmt.Errorf("%w: no offset resolver", errIncompleteTarget)
	case t.Handles == nil:
		return fmt.Errorf("%w: no handle resolver", errIncompleteTarget)
	case t.Alloc == nil:
		return fmt.Errorf("%w: no allocator", errIncompleteTarget)
	case t.Sched == nil:
		return fmt.Errorf("%w: no scheduler", errIncompleteTarget)
	case t.Debug == nil:
		return fmt.Errorf("%w: no debug state setter", errIncompleteTarget)
	}
	return nil
}

// StaticSymbols is a fixed symbol table, usually loaded from a build
// specific config file.
type StaticSymbols map[string]uint64

func (s StaticSymbols) Resolve(name string) (uint64, error) {
	addr, ok := s[name]
	if !ok {
		return 0, fmt.Errorf("unknown symbol %q", name)
	}
	return addr, nil
}

// StaticOffsets is a fixed struct offset table keyed by "struct.field".
type StaticOffsets map[string]uint64

func (s StaticOffsets) OffsetOf(structName, fieldName string) (uint64, error) {
	key := structName + "." + fieldName
	off, ok := s[key]
	if !ok {
		return 0, fmt.Errorf("unknown offset %q", key)
	}
	return off, nil
}
