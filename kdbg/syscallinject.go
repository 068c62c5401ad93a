package kdbg

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Exception syndrome for a 64-bit syscall, as the synchronous handler
// expects to find it in x1.
const (
	esrECSVC64 = 0x15
	esrECShift = 26
)

// SyscallRequest is a bounded argument list for an injected operation.
type SyscallRequest struct {
	Number  uint32
	Args    [MaxCallArgs]uint64
	NumArgs int
}

// NewSyscallRequest validates the argument count at the boundary.
func NewSyscallRequest(number uint32, args ...uint64) (SyscallRequest, error) {
	if len(args) > MaxCallArgs {
		return SyscallRequest{}, fmt.Errorf("syscall %d: %d arguments, limit is %d", number, len(args), MaxCallArgs)
	}
	req := SyscallRequest{Number: number, NumArgs: len(args)}
	copy(req.Args[:], args)
	return req, nil
}

// SyscallInjector re-enters the syscall dispatch path with the debug
// suppression bit cleared, so a pending hardware breakpoint on that
// path can actually fire. The dispatcher is handed a synthetic saved
// state block and believes the thread issued the request itself.
type SyscallInjector struct {
	target *Target
	inj    *ExceptionReturnInjector
	log    *logrus.Entry
}

func NewSyscallInjector(t *Target, inj *ExceptionReturnInjector, log *logrus.Entry) *SyscallInjector {
	return &SyscallInjector{target: t, inj: inj, log: log}
}

// Run injects req on thread h and blocks until the operation has run to
// completion. h must be the calling thread: the call primitive executes
// there, and the synthetic exception return hijacks whichever thread
// makes the call.
func (s *SyscallInjector) Run(h ThreadHandle, req SyscallRequest) error {
	t := s.target

	// The block the dispatcher will read as if it were the user's trap
	// state: number in x16, arguments in x0..x7. Nothing else matters,
	// this state is never restored.
	payload := NewContext()
	payload.SS.X[16] = uint64(req.Number)
	for i := 0; i < req.NumArgs; i++ {
		payload.SS.X[i] = req.Args[i]
	}
	payloadAddr, err := s.inj.Stage(payload)
	if err != nil {
		return err
	}

	th, err := t.Handles.KernelObjectOf(h)
	if err != nil {
		return err
	}

	// The real saved user context. The non-debug resumption path returns
	// through x21; handing it the genuine pointer keeps that path
	// coherent even though we expect not to take it.
	ctxOff, err := t.Offsets.OffsetOf(StructThread, FieldUserContext)
	if err != nil {
		return err
	}
	userCtx, err := t.Mem.Read64(th + ctxOff)
	if err != nil {
		return err
	}

	// The injected operation runs on the thread's normal kernel stack,
	// not a scratch one, so locks and pending work it touches stay
	// coherent.
	kstackOff, err := t.Offsets.OffsetOf(StructThread, FieldKStackPtr)
	if err != nil {
		return err
	}
	kstackTop, err := t.Mem.Read64(th + kstackOff)
	if err != nil {
		return err
	}

	entry, err := t.Symbols.Resolve(SymValidLinkRegister)
	if err != nil {
		return err
	}

	ret := NewContext()
	ret.SS.X[0] = payloadAddr
	ret.SS.X[1] = esrECSVC64 << esrECShift
	ret.SS.X[2] = 0 // fault address, unused for a syscall
	ret.SS.X[21] = userCtx
	ret.SS.SP = kstackTop
	ret.SS.PC = entry
	ret.SS.CPSR = SPSRKernelDebug

	s.log.WithFields(logrus.Fields{
		"number": req.Number,
		"nargs":  req.NumArgs,
		"sp":     fmt.Sprintf("%#x", kstackTop),
	}).Info("injecting syscall with debug exceptions live")

	return s.inj.Inject(ret)
}
