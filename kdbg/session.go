package kdbg

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Session is one debugging session: one thread, one hardware breakpoint,
// one handler. RunOperation may be called repeatedly, but the breakpoint
// is fixed for the session's lifetime.
type Session struct {
	target  *Target
	thread  ThreadHandle
	bpAddr  uint64
	handler Handler
	log     *logrus.Entry
	moncfg  MonitorConfig

	pinner *AffinityPinner
	dmc    *DebugModeController
	inj    *ExceptionReturnInjector
	sysinj *SyscallInjector

	mu sync.Mutex
}

// StartSession validates the target bundle and prepares a session that
// will arm a hardware breakpoint at bpAddr on thread and dispatch every
// hit to handler.
func StartSession(t *Target, thread ThreadHandle, bpAddr uint64, handler Handler) (*Session, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, errors.New("nil breakpoint handler")
	}
	if bpAddr == 0 {
		return nil, errors.New("zero breakpoint address")
	}

	log := logrus.StandardLogger().WithField("layer", "kdbg")
	inj := NewExceptionReturnInjector(t, log)
	return &Session{
		target:  t,
		thread:  thread,
		bpAddr:  bpAddr,
		handler: handler,
		log:     log,
		pinner:  NewAffinityPinner(t, log),
		dmc:     NewDebugModeController(t, inj, log),
		inj:     inj,
		sysinj:  NewSyscallInjector(t, inj, log),
	}, nil
}

// SetLogger replaces the session logger. Call before RunOperation.
func (s *Session) SetLogger(log *logrus.Entry) {
	s.log = log
	s.pinner = NewAffinityPinner(s.target, log)
	s.inj = NewExceptionReturnInjector(s.target, log)
	s.dmc = NewDebugModeController(s.target, s.inj, log)
	s.sysinj = NewSyscallInjector(s.target, s.inj, log)
}

// SetMonitorConfig overrides the scan bounds. Call before RunOperation.
func (s *Session) SetMonitorConfig(cfg MonitorConfig) {
	s.moncfg = cfg
}

// RunOperation injects syscall number with up to 8 arguments on the
// session thread and blocks until both the operation and every
// breakpoint dispatch it caused have completed.
//
// Must be called from the session thread: the injection hijacks the
// calling thread's kernel side. The calling goroutine should be locked
// to its OS thread by the caller.
//
// Do not pick a breakpoint site where the operation may hold a spin
// lock; the monitor needs the shared core to make progress and the two
// would deadlock.
func (s *Session) RunOperation(number uint32, args ...uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, err := NewSyscallRequest(number, args...)
	if err != nil {
		return err
	}

	core, err := s.pinner.PinCurrentThread()
	if err != nil {
		return fmt.Errorf("pin debuggee: %w", err)
	}
	if err := s.dmc.EnableKernelDebug(core); err != nil {
		return err
	}
	if err := s.dmc.InstallBreakpoint(s.thread, NewBreakpointDescriptor(s.bpAddr)); err != nil {
		return err
	}

	token := NewCompletionToken()
	mon := NewMonitor(s.target, s.thread, s.bpAddr, s.handler, token, s.moncfg, s.log.WithField("layer", "monitor"))
	monDone := make(chan error, 1)
	go func() {
		monDone <- mon.Run()
	}()

	runErr := s.sysinj.Run(s.thread, req)
	token.Complete()
	monErr := <-monDone

	if runErr != nil {
		return fmt.Errorf("injected operation: %w", runErr)
	}
	if monErr != nil {
		return fmt.Errorf("monitor: %w", monErr)
	}
	return nil
}

// RawOperation injects a syscall with the debug suppression bit cleared
// but no breakpoint armed and no monitor running. Useful for smoke
// testing the injection path on its own.
func (s *Session) RawOperation(number uint32, args ...uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, err := NewSyscallRequest(number, args...)
	if err != nil {
		return err
	}
	if _, err := s.pinner.PinCurrentThread(); err != nil {
		return fmt.Errorf("pin debuggee: %w", err)
	}
	return s.sysinj.Run(s.thread, req)
}
