package kdbg

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"
)

const (
	fixtureKStackTop = 0xffffffe000100000
	fixtureScanBase  = 0xffffffe0000fc000
	fixtureOuterSlot = 24 // qwords above the saved sp
	fixtureInnerGap  = 0x40
	fixtureBPAddr    = 0xfffffff007aa0000
)

// buildStuckStack lays out the fake debuggee exactly as the kernel
// leaves it after a breakpoint hit and a scheduler tick preemption:
// the scheduled-off context at the saved kernel stack pointer, the
// looper frame inside the region below it, and the breakpoint frame
// nested above the looper frame.
func buildStuckStack(k *fakeKernel, innerPC uint64, shape func(inner *Context)) (outerAddr, innerAddr uint64) {
	outerAddr = fixtureScanBase + fixtureOuterSlot*8
	innerAddr = outerAddr + ContextSize + fixtureInnerGap

	// Deepest frame first: a concurrent monitor keys off the
	// scheduled-off context, so that one goes in last.
	inner := NewContext()
	inner.SS.PC = innerPC
	if shape != nil {
		shape(inner)
	}
	k.mem.WriteBytes(innerAddr, inner.Encode())

	outer := NewContext()
	outer.SS.PC = symLooperAddr
	outer.SS.SP = outerAddr + ContextSize
	outer.SS.X[21] = outerAddr // handler path keeps the state pointer in x21
	k.mem.WriteBytes(outerAddr, outer.Encode())

	sched := NewContext()
	sched.SS.SP = fixtureScanBase
	sched.SS.PC = 0xfffffff007888888 // somewhere in the context switch path
	k.mem.WriteBytes(fixtureKStackTop, sched.Encode())
	k.mem.Write64(debuggeeThread+offKStackPtr, fixtureKStackTop)

	return outerAddr, innerAddr
}

func fastMonitorConfig() MonitorConfig {
	return MonitorConfig{
		OuterAttempts: 50,
		OuterDelay:    time.Millisecond,
		OuterWindow:   64,
		InnerSteps:    64,
	}
}

func TestMonitorReleasePatchesOnlyOuterPC(t *testing.T) {
	k := newFakeKernel(t)
	outerAddr, innerAddr := buildStuckStack(k, fixtureBPAddr, nil)

	outerBefore := make([]byte, ContextSize)
	innerBefore := make([]byte, ContextSize)
	k.mem.ReadBytes(outerAddr, outerBefore)
	k.mem.ReadBytes(innerAddr, innerBefore)

	token := NewCompletionToken()
	handler := HandlerFunc(func(ctx *Context) {
		token.Complete()
	})
	mon := NewMonitor(k.target, debuggeeHandle, fixtureBPAddr, handler, token, fastMonitorConfig(), testLogger())
	if err := mon.Run(); err != nil {
		t.Fatal(err)
	}
	if got := mon.State(); got != StateReleased {
		t.Errorf("final state %v, want %v", got, StateReleased)
	}

	outerAfter := make([]byte, ContextSize)
	innerAfter := make([]byte, ContextSize)
	k.mem.ReadBytes(outerAddr, outerAfter)
	k.mem.ReadBytes(innerAddr, innerAfter)

	if pc := binary.LittleEndian.Uint64(outerAfter[ContextPCOffset:]); pc != symEpilogAddr {
		t.Errorf("outer pc = %#x, want epilog %#x", pc, uint64(symEpilogAddr))
	}
	for i := range outerAfter {
		if i >= ContextPCOffset && i < ContextPCOffset+8 {
			continue
		}
		if outerAfter[i] != outerBefore[i] {
			t.Fatalf("outer frame byte %#x changed outside the pc field", i)
		}
	}
	for i := range innerAfter {
		if innerAfter[i] != innerBefore[i] {
			t.Fatalf("inner frame byte %#x changed by release", i)
		}
	}

	if len(k.sched.switches) == 0 || k.sched.switches[0] != debuggeeHandle {
		t.Errorf("release did not switch to the debuggee: %v", k.sched.switches)
	}
}

func TestMonitorDispatchesMutableState(t *testing.T) {
	k := newFakeKernel(t)
	_, innerAddr := buildStuckStack(k, fixtureBPAddr, func(inner *Context) {
		inner.SS.X[8] = 0xffffffe0bb000000
	})

	token := NewCompletionToken()
	handler := HandlerFunc(func(ctx *Context) {
		ctx.SS.PC += 4
		ctx.SS.X[8] = 0x4242
		token.Complete()
	})
	mon := NewMonitor(k.target, debuggeeHandle, fixtureBPAddr, handler, token, fastMonitorConfig(), testLogger())
	if err := mon.Run(); err != nil {
		t.Fatal(err)
	}

	inner := k.decodeAt(t, innerAddr)
	if inner.SS.PC != fixtureBPAddr+4 {
		t.Errorf("written back pc = %#x, want %#x", inner.SS.PC, uint64(fixtureBPAddr+4))
	}
	if inner.SS.X[8] != 0x4242 {
		t.Errorf("written back x8 = %#x, want 0x4242", inner.SS.X[8])
	}
}

// An inner frame with an unexpected pc is logged but still dispatched.
func TestMonitorToleratesUnexpectedInnerPC(t *testing.T) {
	k := newFakeKernel(t)
	buildStuckStack(k, fixtureBPAddr+8, nil)

	token := NewCompletionToken()
	var seen uint64
	handler := HandlerFunc(func(ctx *Context) {
		seen = ctx.SS.PC
		token.Complete()
	})
	mon := NewMonitor(k.target, debuggeeHandle, fixtureBPAddr, handler, token, fastMonitorConfig(), testLogger())
	if err := mon.Run(); err != nil {
		t.Fatal(err)
	}
	if seen != fixtureBPAddr+8 {
		t.Errorf("handler saw pc %#x, want %#x", seen, uint64(fixtureBPAddr+8))
	}
}

// A debuggee that never gets stuck must surface a bounded retry failure,
// not loop forever.
func TestMonitorScanTimeout(t *testing.T) {
	k := newFakeKernel(t)

	cfg := fastMonitorConfig()
	cfg.OuterAttempts = 3
	mon := NewMonitor(k.target, debuggeeHandle, fixtureBPAddr, HandlerFunc(func(*Context) {}), NewCompletionToken(), cfg, testLogger())

	err := mon.Run()
	if !errors.Is(err, ErrScanTimeout) {
		t.Fatalf("err = %v, want ErrScanTimeout", err)
	}
	if got := mon.State(); got != StateAborted {
		t.Errorf("final state %v, want %v", got, StateAborted)
	}
}

func TestMonitorStopsOnCompletionToken(t *testing.T) {
	k := newFakeKernel(t)

	token := NewCompletionToken()
	token.Complete()
	mon := NewMonitor(k.target, debuggeeHandle, fixtureBPAddr, HandlerFunc(func(*Context) {}), token, fastMonitorConfig(), testLogger())

	done := make(chan error, 1)
	go func() { done <- mon.Run() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not exit on a completed token")
	}
}

func TestMonitorStateStrings(t *testing.T) {
	states := []MonitorState{
		StateSearchingOuterFrame, StateFoundOuterFrame, StateSearchingInnerFrame,
		StateFoundInnerFrame, StateDispatched, StateReleased, StateAborted,
	}
	seen := map[string]bool{}
	for _, s := range states {
		str := s.String()
		if str == "" || seen[str] {
			t.Errorf("state %d has empty or duplicate name %q", s, str)
		}
		seen[str] = true
	}
}
