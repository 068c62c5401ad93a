package kdbg

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// AffinityPinner binds threads to one fixed core by writing the core's
// processor descriptor into the thread's bound-processor field. Both the
// debuggee and the monitor pin themselves to the same core; that shared
// binding is the only mutual exclusion in the system.
//
// Pinning is best effort. Nothing verifies that the scheduler honors the
// binding afterwards, so a window remains where both threads could run
// concurrently on different cores. Known limitation, kept as is.
type AffinityPinner struct {
	target *Target
	log    *logrus.Entry

	// coreSlot is the fixed index into the per-core data table. Core 0
	// always exists.
	coreSlot uint64
}

func NewAffinityPinner(t *Target, log *logrus.Entry) *AffinityPinner {
	return &AffinityPinner{target: t, log: log}
}

// PinCurrentThread binds the calling thread to the fixed core and yields
// so the binding takes effect on the next scheduling decision. It returns
// the processor descriptor the thread was last placed on. Pinning an
// already pinned thread rewrites the same descriptor and is a no-op in
// effect.
func (p *AffinityPinner) PinCurrentThread() (uint64, error) {
	t := p.target

	self, err := t.Handles.CurrentThread()
	if err != nil {
		return 0, fmt.Errorf("current thread: %w", err)
	}
	th, err := t.Handles.KernelObjectOf(self)
	if err != nil {
		return 0, fmt.Errorf("thread kernel object: %w", err)
	}

	entries, err := t.Symbols.Resolve(SymCPUDataEntries)
	if err != nil {
		return 0, err
	}
	cpuData, err := t.Mem.Read64(entries + p.coreSlot*cpuDataEntrySize + cpuDataEntryVirtOffset)
	if err != nil {
		return 0, err
	}
	procOff, err := t.Offsets.OffsetOf(StructCPUData, FieldCPUProcessor)
	if err != nil {
		return 0, err
	}
	processor, err := t.Mem.Read64(cpuData + procOff)
	if err != nil {
		return 0, err
	}

	boundOff, err := t.Offsets.OffsetOf(StructThread, FieldBoundProcessor)
	if err != nil {
		return 0, err
	}
	if err := t.Mem.Write64(th+boundOff, processor); err != nil {
		return 0, err
	}

	// The binding only matters on the next scheduling decision, so get
	// scheduled off and back on.
	if err := t.Sched.Yield(); err != nil {
		return 0, fmt.Errorf("yield after pin: %w", err)
	}

	chosenOff, err := t.Offsets.OffsetOf(StructThread, FieldChosenProcessor)
	if err != nil {
		return 0, err
	}
	chosen, err := t.Mem.Read64(th + chosenOff)
	if err != nil {
		return 0, err
	}
	if chosen != processor {
		p.log.WithFields(logrus.Fields{
			"bound":  fmt.Sprintf("%#x", processor),
			"chosen": fmt.Sprintf("%#x", chosen),
		}).Warn("thread not yet running on its bound core")
	} else {
		p.log.WithField("processor", fmt.Sprintf("%#x", processor)).Debug("pinned")
	}
	return chosen, nil
}
