package kdbg

import "testing"

func TestPinCurrentThread(t *testing.T) {
	k := newFakeKernel(t)
	p := NewAffinityPinner(k.target, testLogger())

	chosen, err := p.PinCurrentThread()
	if err != nil {
		t.Fatal(err)
	}
	if chosen != fakeProcessorAddr {
		t.Errorf("chosen processor %#x, want %#x", chosen, fakeProcessorAddr)
	}

	bound, _ := k.mem.Read64(debuggeeThread + offBoundProcessor)
	if bound != fakeProcessorAddr {
		t.Errorf("bound processor %#x, want %#x", bound, fakeProcessorAddr)
	}
	if k.sched.yields != 1 {
		t.Errorf("yields = %d, want 1", k.sched.yields)
	}
}

// Pinning an already pinned thread leaves it on the same core.
func TestPinIdempotent(t *testing.T) {
	k := newFakeKernel(t)
	p := NewAffinityPinner(k.target, testLogger())

	first, err := p.PinCurrentThread()
	if err != nil {
		t.Fatal(err)
	}
	second, err := p.PinCurrentThread()
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("repinning moved the thread: %#x -> %#x", first, second)
	}

	bound, _ := k.mem.Read64(debuggeeThread + offBoundProcessor)
	if bound != first {
		t.Errorf("bound processor %#x, want %#x", bound, first)
	}
}
