package kdbg

import (
	"encoding/binary"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
)

// Fixture addresses and layout for the fake kernel. Arbitrary but stable
// so tests can assert exact values.
const (
	symCPUDataEntriesAddr        = 0xfffffff007600000
	symGadgetAddr         uint64 = 0xfffffff0070cc1ac
	symEretAddr           uint64 = 0xfffffff0070cc900
	symMDSCRGadgetAddr           = 0xfffffff0071e1998
	symThreadExcRetAddr          = 0xfffffff0070cd000
	symValidLinkRegAddr          = 0xfffffff0070cc1d4
	symLooperAddr                = 0xfffffff0071f2000
	symEpilogAddr                = 0xfffffff0071f2100

	offBoundProcessor  = 0x410
	offChosenProcessor = 0x418
	offKStackPtr       = 0x420
	offUserContext     = 0x428
	offDebugData       = 0x430
	offCPUProcessor    = 0x48

	fakeCPUDataAddr          = 0xfffffff007610000
	fakeProcessorAddr uint64 = 0xfffffff0076a0000

	debuggeeHandle ThreadHandle = 0x503
	debuggeeThread              = 0xfffffff010000000
	debuggeeDebug               = 0xfffffff010001000

	allocBase = 0xfffffff020000000
)

// fakeMem is a sparse byte addressable kernel memory.
type fakeMem struct {
	mu   sync.Mutex
	data map[uint64]byte
}

func newFakeMem() *fakeMem { return &fakeMem{data: make(map[uint64]byte)} }

func (m *fakeMem) ReadBytes(addr uint64, p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range p {
		p[i] = m.data[addr+uint64(i)]
	}
	return nil
}

func (m *fakeMem) WriteBytes(addr uint64, p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, b := range p {
		m.data[addr+uint64(i)] = b
	}
	return nil
}

func (m *fakeMem) Read32(addr uint64) (uint32, error) {
	p := make([]byte, 4)
	m.ReadBytes(addr, p)
	return binary.LittleEndian.Uint32(p), nil
}

func (m *fakeMem) Read64(addr uint64) (uint64, error) {
	p := make([]byte, 8)
	m.ReadBytes(addr, p)
	return binary.LittleEndian.Uint64(p), nil
}

func (m *fakeMem) Write32(addr uint64, val uint32) error {
	p := make([]byte, 4)
	binary.LittleEndian.PutUint32(p, val)
	return m.WriteBytes(addr, p)
}

func (m *fakeMem) Write64(addr uint64, val uint64) error {
	p := make([]byte, 8)
	binary.LittleEndian.PutUint64(p, val)
	return m.WriteBytes(addr, p)
}

type fakeCaller struct {
	fn func(target uint64, args ...uint64) (uint64, error)
}

func (c *fakeCaller) Call(target uint64, args ...uint64) (uint64, error) {
	if c.fn == nil {
		return 0, nil
	}
	return c.fn(target, args...)
}

type fakeHandles struct {
	objects map[ThreadHandle]uint64
	current ThreadHandle
}

func (h *fakeHandles) KernelObjectOf(th ThreadHandle) (uint64, error) {
	addr, ok := h.objects[th]
	if !ok {
		return 0, errIncompleteTarget
	}
	return addr, nil
}

func (h *fakeHandles) CurrentThread() (ThreadHandle, error) { return h.current, nil }

type fakeAlloc struct {
	mu   sync.Mutex
	next uint64
}

func (a *fakeAlloc) Allocate(size uint64) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	addr := a.next
	a.next += (size + 0xff) &^ 0xff
	return addr, nil
}

type fakeSched struct {
	mu       sync.Mutex
	yields   int
	switches []ThreadHandle
	onYield  func()
}

func (s *fakeSched) Yield() error {
	s.mu.Lock()
	s.yields++
	fn := s.onYield
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
	return nil
}

func (s *fakeSched) SwitchTo(h ThreadHandle) error {
	s.mu.Lock()
	s.switches = append(s.switches, h)
	s.mu.Unlock()
	return nil
}

// fakeDebug mimics the standard install API: it stores the pair in the
// thread's debug mirror but strips the mode bits, like the real setter.
type fakeDebug struct {
	mem       *fakeMem
	mirrorOf  map[ThreadHandle]uint64
	installed []uint64
	breakAddr uint64 // if nonzero, install this instead of the request
}

func (d *fakeDebug) SetHardwareBreakpoint(h ThreadHandle, slot int, value uint64, control uint32) error {
	mirror := d.mirrorOf[h]
	if d.breakAddr != 0 {
		value = d.breakAddr
	}
	d.installed = append(d.installed, value)
	d.mem.Write64(mirror+debugValueOffset(slot), value)
	d.mem.Write32(mirror+debugControlOffset(slot), control&^BCRModeControlAny)
	return nil
}

type fakeKernel struct {
	mem     *fakeMem
	caller  *fakeCaller
	handles *fakeHandles
	alloc   *fakeAlloc
	sched   *fakeSched
	debug   *fakeDebug
	target  *Target
}

func testSymbols() StaticSymbols {
	return StaticSymbols{
		SymCPUDataEntries:        symCPUDataEntriesAddr,
		SymRegisterLoadGadget:    symGadgetAddr,
		SymExceptionReturn:       symEretAddr,
		SymMDSCRGadget:           symMDSCRGadgetAddr,
		SymThreadExceptionReturn: symThreadExcRetAddr,
		SymValidLinkRegister:     symValidLinkRegAddr,
		SymBreakpointLoop:        symLooperAddr,
		SymSlehSyncEpilog:        symEpilogAddr,
	}
}

func testOffsets() StaticOffsets {
	return StaticOffsets{
		StructThread + "." + FieldBoundProcessor:  offBoundProcessor,
		StructThread + "." + FieldChosenProcessor: offChosenProcessor,
		StructThread + "." + FieldKStackPtr:       offKStackPtr,
		StructThread + "." + FieldUserContext:     offUserContext,
		StructThread + "." + FieldDebugData:       offDebugData,
		StructCPUData + "." + FieldCPUProcessor:   offCPUProcessor,
	}
}

// newFakeKernel wires a target where the per-core data table, one
// processor, and one debuggee thread already exist.
func newFakeKernel(t *testing.T) *fakeKernel {
	t.Helper()

	mem := newFakeMem()
	handles := &fakeHandles{
		objects: map[ThreadHandle]uint64{debuggeeHandle: debuggeeThread},
		current: debuggeeHandle,
	}
	sched := &fakeSched{}
	// Yielding lets the scheduler act on a fresh core binding.
	sched.onYield = func() {
		bound, _ := mem.Read64(debuggeeThread + offBoundProcessor)
		if bound != 0 {
			mem.Write64(debuggeeThread+offChosenProcessor, bound)
		}
	}

	k := &fakeKernel{
		mem:     mem,
		caller:  &fakeCaller{},
		handles: handles,
		alloc:   &fakeAlloc{next: allocBase},
		sched:   sched,
		debug:   &fakeDebug{mem: mem, mirrorOf: map[ThreadHandle]uint64{debuggeeHandle: debuggeeDebug}},
	}

	// Per-core data table, slot 0.
	mem.Write64(symCPUDataEntriesAddr+cpuDataEntryVirtOffset, fakeCPUDataAddr)
	mem.Write64(fakeCPUDataAddr+offCPUProcessor, fakeProcessorAddr)
	// Thread's debug mirror pointer.
	mem.Write64(debuggeeThread+offDebugData, debuggeeDebug)

	k.target = &Target{
		Mem:     mem,
		Call:    k.caller,
		Symbols: testSymbols(),
		Offsets: testOffsets(),
		Handles: handles,
		Alloc:   k.alloc,
		Sched:   sched,
		Debug:   k.debug,
	}
	return k
}

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l.WithField("layer", "test")
}

// decodeAt reads and decodes a context block out of fake memory.
func (k *fakeKernel) decodeAt(t *testing.T, addr uint64) *Context {
	t.Helper()
	p := make([]byte, ContextSize)
	k.mem.ReadBytes(addr, p)
	ctx, ok := DecodeContext(p)
	if !ok {
		t.Fatalf("no context block at %#x", addr)
	}
	return ctx
}
