package kdbg

import (
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// MonitorState tracks the scan/dispatch state machine.
type MonitorState int32

const (
	StateSearchingOuterFrame MonitorState = iota
	StateFoundOuterFrame
	StateSearchingInnerFrame
	StateFoundInnerFrame
	StateDispatched
	StateReleased
	StateAborted
)

func (s MonitorState) String() string {
	switch s {
	case StateSearchingOuterFrame:
		return "searching-outer-frame"
	case StateFoundOuterFrame:
		return "found-outer-frame"
	case StateSearchingInnerFrame:
		return "searching-inner-frame"
	case StateFoundInnerFrame:
		return "found-inner-frame"
	case StateDispatched:
		return "dispatched"
	case StateReleased:
		return "released"
	case StateAborted:
		return "aborted"
	}
	return fmt.Sprintf("MonitorState(%d)", int32(s))
}

// Handler inspects and mutates the register context captured at a
// breakpoint hit. There is no single step facility: a handler must
// emulate the trapped instruction itself and advance PC past it, using
// the memory primitive to replicate the instruction's side effects.
type Handler interface {
	HandleBreakpoint(ctx *Context)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(*Context)

func (f HandlerFunc) HandleBreakpoint(ctx *Context) { f(ctx) }

// CompletionToken signals the monitor that the injected operation has
// returned. It is the only termination signal; the monitor checks it
// between scan attempts, never preemptively.
type CompletionToken struct {
	done atomic.Bool
}

func NewCompletionToken() *CompletionToken { return &CompletionToken{} }

func (t *CompletionToken) Complete() { t.done.Store(true) }

func (t *CompletionToken) Completed() bool { return t.done.Load() }

// MonitorConfig bounds the scans. Zero values take the defaults.
type MonitorConfig struct {
	// OuterAttempts bounds how often the outer frame search retries
	// before the session aborts.
	OuterAttempts int
	// OuterDelay is the pause between outer search attempts.
	OuterDelay time.Duration
	// OuterWindow is how many qwords above the saved stack pointer are
	// scanned for the preempted looper frame.
	OuterWindow int
	// InnerSteps bounds the 8 byte steps of the inner frame scan.
	InnerSteps int
}

func (c MonitorConfig) withDefaults() MonitorConfig {
	if c.OuterAttempts == 0 {
		c.OuterAttempts = 300
	}
	if c.OuterDelay == 0 {
		c.OuterDelay = 20 * time.Millisecond
	}
	if c.OuterWindow == 0 {
		c.OuterWindow = 128
	}
	if c.InnerSteps == 0 {
		c.InnerSteps = 1000
	}
	return c
}

// Scan failures. Everything else the monitor hits is a raw primitive
// error and is passed through untouched.
var (
	ErrScanTimeout  = errors.New("stuck thread state not found before retry limit")
	ErrNoInnerFrame = errors.New("breakpoint hit state not found in scan window")
)

// errSessionComplete stops the outer search cleanly when the completion
// token is set.
var errSessionComplete = errors.New("session complete")

// Monitor is the companion task that watches a debuggee thread for
// breakpoint hits. It pins itself to the debuggee's core; since at most
// one of the two can be scheduled there, whichever is running has the
// scanned stack to itself. That shared pinning is the only lock.
//
// A hit leaves the debuggee parked in the kernel's breakpoint loop until
// the scheduler tick preempts it. The monitor then sees, inside the
// debuggee's kernel stack, the preemption frame (outer, pc = the loop)
// and below it the breakpoint frame (inner, pc = the breakpoint). The
// inner frame goes to the handler; the outer frame's pc is repointed at
// the handler epilog so the thread, once rescheduled, falls out of the
// loop and returns through the normal nested exception path.
type Monitor struct {
	target  *Target
	thread  ThreadHandle
	bpAddr  uint64
	handler Handler
	token   *CompletionToken
	pinner  *AffinityPinner
	cfg     MonitorConfig
	log     *logrus.Entry

	state atomic.Int32
}

func NewMonitor(t *Target, thread ThreadHandle, bpAddr uint64, handler Handler, token *CompletionToken, cfg MonitorConfig, log *logrus.Entry) *Monitor {
	return &Monitor{
		target:  t,
		thread:  thread,
		bpAddr:  bpAddr,
		handler: handler,
		token:   token,
		pinner:  NewAffinityPinner(t, log),
		cfg:     cfg.withDefaults(),
		log:     log,
	}
}

// State reports the state machine position, mainly for diagnostics.
func (m *Monitor) State() MonitorState { return MonitorState(m.state.Load()) }

func (m *Monitor) setState(s MonitorState) {
	m.state.Store(int32(s))
	m.log.WithField("state", s.String()).Debug("monitor")
}

// Run drives the state machine until the completion token is set or a
// scan aborts. It must run on its own goroutine; the OS thread is locked
// and pinned to the debuggee's core for the duration.
func (m *Monitor) Run() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if _, err := m.pinner.PinCurrentThread(); err != nil {
		m.setState(StateAborted)
		return fmt.Errorf("pin monitor: %w", err)
	}

	t := m.target
	th, err := t.Handles.KernelObjectOf(m.thread)
	if err != nil {
		m.setState(StateAborted)
		return err
	}
	kstackOff, err := t.Offsets.OffsetOf(StructThread, FieldKStackPtr)
	if err != nil {
		m.setState(StateAborted)
		return err
	}
	looperPC, err := t.Symbols.Resolve(SymBreakpointLoop)
	if err != nil {
		m.setState(StateAborted)
		return err
	}
	epilogPC, err := t.Symbols.Resolve(SymSlehSyncEpilog)
	if err != nil {
		m.setState(StateAborted)
		return err
	}

	for {
		outerAddr, err := m.searchOuterFrame(th, kstackOff, looperPC)
		if errors.Is(err, errSessionComplete) {
			return nil
		}
		if err != nil {
			m.setState(StateAborted)
			return err
		}
		m.setState(StateFoundOuterFrame)

		innerAddr, inner, err := m.searchInnerFrame(outerAddr)
		if err != nil {
			m.setState(StateAborted)
			return err
		}
		m.setState(StateFoundInnerFrame)

		if err := m.dispatch(innerAddr, inner); err != nil {
			m.setState(StateAborted)
			return err
		}
		m.setState(StateDispatched)

		if err := m.release(outerAddr, epilogPC); err != nil {
			m.setState(StateAborted)
			return err
		}
		m.setState(StateReleased)

		if m.token.Completed() {
			return nil
		}
	}
}

// searchOuterFrame waits for the debuggee to be parked in the breakpoint
// loop and preempted. The saved kernel stack pointer field names the
// scheduled-off context; its own saved sp is the base of the stack
// region where the preemption pushed the looper frame. That region is
// scanned qword by qword for a state tag whose pc is the loop address.
func (m *Monitor) searchOuterFrame(th, kstackOff, looperPC uint64) (uint64, error) {
	m.setState(StateSearchingOuterFrame)
	t := m.target

	window := make([]byte, m.cfg.OuterWindow*8)
	block := make([]byte, ContextSize)

	for attempt := 0; attempt < m.cfg.OuterAttempts; attempt++ {
		if m.token.Completed() {
			return 0, errSessionComplete
		}
		if attempt > 0 {
			time.Sleep(m.cfg.OuterDelay)
		}

		kstackptr, err := t.Mem.Read64(th + kstackOff)
		if err != nil {
			return 0, err
		}
		if kstackptr == 0 {
			continue
		}
		if err := t.Mem.ReadBytes(kstackptr, block); err != nil {
			return 0, err
		}
		sched, ok := DecodeContext(block)
		if !ok || sched.SS.SP == 0 {
			continue
		}

		if err := t.Mem.ReadBytes(sched.SS.SP, window); err != nil {
			return 0, err
		}
		// Tag and pc are enough to identify the frame; the full block
		// may run past the window.
		for off := 0; off+ContextPCOffset+8 <= len(window); off += 8 {
			if binary.LittleEndian.Uint64(window[off:]) != TagSavedState64 {
				continue
			}
			if binary.LittleEndian.Uint64(window[off+ContextPCOffset:]) != looperPC {
				continue
			}
			return sched.SS.SP + uint64(off), nil
		}

		m.log.WithField("attempt", attempt).Debug("looper frame not on stack yet")
	}
	return 0, fmt.Errorf("outer frame: %w", ErrScanTimeout)
}

// searchInnerFrame walks forward from just above the outer frame looking
// for the state spilled when the breakpoint itself was hit.
func (m *Monitor) searchInnerFrame(outerAddr uint64) (uint64, *Context, error) {
	m.setState(StateSearchingInnerFrame)
	t := m.target

	start := outerAddr + ContextSize
	block := make([]byte, ContextSize)
	for step := 0; step < m.cfg.InnerSteps; step++ {
		addr := start + uint64(step)*8
		tag, err := t.Mem.Read64(addr)
		if err != nil {
			return 0, nil, err
		}
		if tag != TagSavedState64 {
			continue
		}
		if err := t.Mem.ReadBytes(addr, block); err != nil {
			return 0, nil, err
		}
		ctx, ok := DecodeContext(block)
		if !ok {
			continue
		}
		if ctx.SS.PC != m.bpAddr {
			// Nearby nested frames can be ambiguous; tolerate it and
			// hand the handler what we found.
			m.log.WithFields(logrus.Fields{
				"pc":       fmt.Sprintf("%#x", ctx.SS.PC),
				"expected": fmt.Sprintf("%#x", m.bpAddr),
			}).Warn("inner frame pc does not match the breakpoint")
		}
		return addr, ctx, nil
	}
	return 0, nil, ErrNoInnerFrame
}

// dispatch hands the handler a mutable copy of the hit state and writes
// whatever it left behind back over the live frame.
func (m *Monitor) dispatch(addr uint64, ctx *Context) error {
	m.log.WithField("pc", fmt.Sprintf("%#x", ctx.SS.PC)).Info("breakpoint hit")
	m.handler.HandleBreakpoint(ctx)
	return m.target.Mem.WriteBytes(addr, ctx.Encode())
}

// release patches only the outer frame's saved pc so the parked thread
// resumes at the handler epilog, then pushes it back onto the core.
func (m *Monitor) release(outerAddr, epilogPC uint64) error {
	if err := m.target.Mem.Write64(outerAddr+ContextPCOffset, epilogPC); err != nil {
		return err
	}
	if err := m.target.Sched.SwitchTo(m.thread); err != nil {
		return err
	}
	return m.target.Sched.Yield()
}
