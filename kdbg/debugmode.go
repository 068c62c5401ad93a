package kdbg

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Hardware breakpoint control word bits.
const (
	BCREnable = 1 << 0

	// BCRModeControlAny lets the breakpoint match at any exception
	// level. The standard install API sanitizes these bits away, which
	// restricts matching to user mode; they have to be patched back into
	// the live mirror by hand.
	BCRModeControlAny = 3 << 1

	// BCRBASAll matches any byte of the instruction.
	BCRBASAll = 0xf << 5
)

// MDSCRKDE is the kernel debug enable bit of MDSCR_EL1. Per core, sticky
// across context switches.
const MDSCRKDE = 1 << 13

// Layout of the per-thread debug state mirror: a flavor header followed
// by 16 value and 16 control slots.
const (
	debugStateHeaderSize = 8
	debugStateSlots      = 16
)

func debugValueOffset(slot int) uint64 {
	return debugStateHeaderSize + uint64(slot)*8
}

func debugControlOffset(slot int) uint64 {
	return debugStateHeaderSize + debugStateSlots*8 + uint64(slot)*8
}

// BreakpointDescriptor describes one hardware instruction breakpoint.
type BreakpointDescriptor struct {
	Address  uint64
	Enabled  bool
	ByteMask uint8
	Mode     uint32
}

// NewBreakpointDescriptor returns an enabled descriptor matching every
// byte at addr from any exception level.
func NewBreakpointDescriptor(addr uint64) BreakpointDescriptor {
	return BreakpointDescriptor{
		Address:  addr,
		Enabled:  true,
		ByteMask: 0xf,
		Mode:     BCRModeControlAny,
	}
}

// Control builds the full control word, mode bits included.
func (bp BreakpointDescriptor) Control() uint32 {
	ctrl := uint32(bp.ByteMask&0xf) << 5
	ctrl |= bp.Mode
	if bp.Enabled {
		ctrl |= BCREnable
	}
	return ctrl
}

// sanitized is the control word as the standard install API accepts it,
// without the mode bits it would strip anyway.
func (bp BreakpointDescriptor) sanitized() uint32 {
	return bp.Control() &^ BCRModeControlAny
}

// ErrBreakpointInstall reports that the installed breakpoint address read
// back from the thread's debug state does not match the requested one.
var ErrBreakpointInstall = errors.New("breakpoint install verification failed")

// DebugModeController owns the two preconditions for kernel mode
// hardware breakpoints: the per-core kernel debug enable bit, and the
// per-breakpoint exception level relaxation.
type DebugModeController struct {
	target *Target
	inj    *ExceptionReturnInjector
	log    *logrus.Entry

	mu      sync.Mutex
	enabled map[uint64]bool
}

func NewDebugModeController(t *Target, inj *ExceptionReturnInjector, log *logrus.Entry) *DebugModeController {
	return &DebugModeController{
		target:  t,
		inj:     inj,
		log:     log,
		enabled: make(map[uint64]bool),
	}
}

// EnableKernelDebug sets the kernel debug enable bit of MDSCR_EL1 on the
// core the calling thread is pinned to. The write goes through a gadget
// that moves x8 into MDSCR_EL1 and falls into a function epilog, so the
// synthetic state runs on a small scratch stack whose popped frame sends
// the thread straight back to userspace.
//
// The bit persists across context switches; calling this again for the
// same core is a no-op.
func (d *DebugModeController) EnableKernelDebug(core uint64) error {
	d.mu.Lock()
	if d.enabled[core] {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	t := d.target

	stack, err := t.Alloc.Allocate(0x1000)
	if err != nil {
		return fmt.Errorf("allocate scratch stack: %w", err)
	}
	middle := stack + 0xc00

	// The gadget's epilog adds 0x220 to sp, then pops x28/x27, x20/x19
	// and fp/lr. Only the final lr matters: it routes the thread into
	// the normal return to user path.
	exitPC, err := t.Symbols.Resolve(SymThreadExceptionReturn)
	if err != nil {
		return err
	}
	popped := [6]uint64{0, 0, 0, 0, 0, exitPC}
	for i, v := range popped {
		if err := t.Mem.Write64(middle+0x220+uint64(i)*8, v); err != nil {
			return fmt.Errorf("build scratch frame: %w", err)
		}
	}

	gadget, err := t.Symbols.Resolve(SymMDSCRGadget)
	if err != nil {
		return err
	}

	ret := NewContext()
	ret.SS.X[8] = MDSCRKDE
	ret.SS.SP = middle
	ret.SS.PC = gadget
	ret.SS.CPSR = SPSRKernelDebug

	if err := d.inj.Inject(ret); err != nil {
		return fmt.Errorf("enable kernel debug: %w", err)
	}

	d.mu.Lock()
	d.enabled[core] = true
	d.mu.Unlock()
	d.log.WithField("core", fmt.Sprintf("%#x", core)).Info("kernel debug enabled")
	return nil
}

// InstallBreakpoint registers bp in slot 0 of the thread's debug state
// through the standard install API, then patches the live control word
// mirror so the breakpoint also matches kernel mode. The installed
// address is read back out of the mirror; a mismatch is the only failure
// this component reports to the user.
func (d *DebugModeController) InstallBreakpoint(h ThreadHandle, bp BreakpointDescriptor) error {
	t := d.target

	if err := t.Debug.SetHardwareBreakpoint(h, 0, bp.Address, bp.sanitized()); err != nil {
		return fmt.Errorf("set hardware breakpoint: %w", err)
	}

	th, err := t.Handles.KernelObjectOf(h)
	if err != nil {
		return err
	}
	ddOff, err := t.Offsets.OffsetOf(StructThread, FieldDebugData)
	if err != nil {
		return err
	}
	dd, err := t.Mem.Read64(th + ddOff)
	if err != nil {
		return err
	}

	installed, err := t.Mem.Read64(dd + debugValueOffset(0))
	if err != nil {
		return err
	}
	if installed != bp.Address {
		return fmt.Errorf("%w: want %#x, debug state holds %#x", ErrBreakpointInstall, bp.Address, installed)
	}

	ctrl, err := t.Mem.Read32(dd + debugControlOffset(0))
	if err != nil {
		return err
	}
	ctrl |= bp.Mode
	if err := t.Mem.Write32(dd+debugControlOffset(0), ctrl); err != nil {
		return err
	}

	d.log.WithFields(logrus.Fields{
		"addr":    fmt.Sprintf("%#x", bp.Address),
		"control": fmt.Sprintf("%#x", ctrl),
	}).Debug("breakpoint installed, mode relaxed")
	return nil
}
