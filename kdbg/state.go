package kdbg

import (
	"encoding/binary"
)

// ARM64 saved state layout, as spilled by the exception vectors and as
// consumed by the exception return path. The flavor/count header doubles
// as the needle when scanning raw stack memory for spilled frames.
const (
	threadStateNone = 5

	FlavorSavedState64     = threadStateNone + 3
	FlavorNeonSavedState64 = threadStateNone + 5

	stateHeaderSize  = 8
	savedState64Size = 288
	neonState64Size  = 520

	savedState64WordCount = savedState64Size / 4
	neonState64WordCount  = neonState64Size / 4

	// ContextSize is the full spilled context: saved state and neon
	// state, each behind its own flavor/count header.
	ContextSize = stateHeaderSize + savedState64Size + stateHeaderSize + neonState64Size
)

// TagSavedState64 is the qword at the start of every spilled 64-bit
// context. Within a thread's kernel stack it is treated as unique enough
// to identify a frame; a colliding immediate is a tolerated risk.
const TagSavedState64 = uint64(FlavorSavedState64) | uint64(savedState64WordCount)<<32

// Byte offsets of the interesting fields from the start of a context
// block. The monitor patches saved frames through these rather than
// re-encoding whole blocks.
const (
	ContextFPOffset   = stateHeaderSize + 29*8
	ContextLROffset   = ContextFPOffset + 8
	ContextSPOffset   = ContextLROffset + 8
	ContextPCOffset   = ContextSPOffset + 8
	ContextCPSROffset = ContextPCOffset + 8
)

// SPSR bits restored by an exception return. D is the debug exception
// suppression bit this whole exercise is about.
const (
	SPSRDebug = 1 << 9
	SPSRAsync = 1 << 8
	SPSRIRQ   = 1 << 7
	SPSRFIQ   = 1 << 6

	// SPSREL1SP0: resume at EL1 on the SP_EL0 stack.
	SPSREL1SP0 = 0x4

	// SPSRKernelDebug masks the ordinary interrupt classes but leaves
	// debug exceptions live.
	SPSRKernelDebug = SPSRAsync | SPSRIRQ | SPSRFIQ | SPSREL1SP0
)

// SavedState64 is the general register file as spilled on exception
// entry: 29 GPRs, frame pointer, link register, stack pointer, program
// counter, status register and the fault syndrome words.
type SavedState64 struct {
	Flavor    uint32
	Count     uint32
	X         [29]uint64
	FP        uint64
	LR        uint64
	SP        uint64
	PC        uint64
	CPSR      uint32
	Reserved  uint32
	FAR       uint64
	ESR       uint32
	Exception uint32
}

// NeonState64 is the vector register bank plus the floating point status
// and control words.
type NeonState64 struct {
	Flavor uint32
	Count  uint32
	Q      [32][2]uint64
	FPSR   uint32
	FPCR   uint32
}

// Context is the full spilled register context. Instances built for
// injection are staged into wired kernel memory; instances decoded off a
// live stack are copies the callback may mutate before write-back.
type Context struct {
	SS SavedState64
	NS NeonState64
}

// NewContext returns a zeroed context with valid flavor/count headers.
func NewContext() *Context {
	return &Context{
		SS: SavedState64{Flavor: FlavorSavedState64, Count: savedState64WordCount},
		NS: NeonState64{Flavor: FlavorNeonSavedState64, Count: neonState64WordCount},
	}
}

// Encode serializes the context into its in-kernel wire layout.
func (c *Context) Encode() []byte {
	p := make([]byte, ContextSize)
	le := binary.LittleEndian

	le.PutUint32(p[0:], c.SS.Flavor)
	le.PutUint32(p[4:], c.SS.Count)
	for i, x := range c.SS.X {
		le.PutUint64(p[stateHeaderSize+i*8:], x)
	}
	le.PutUint64(p[ContextFPOffset:], c.SS.FP)
	le.PutUint64(p[ContextLROffset:], c.SS.LR)
	le.PutUint64(p[ContextSPOffset:], c.SS.SP)
	le.PutUint64(p[ContextPCOffset:], c.SS.PC)
	le.PutUint32(p[ContextCPSROffset:], c.SS.CPSR)
	le.PutUint32(p[ContextCPSROffset+4:], c.SS.Reserved)
	le.PutUint64(p[ContextCPSROffset+8:], c.SS.FAR)
	le.PutUint32(p[ContextCPSROffset+16:], c.SS.ESR)
	le.PutUint32(p[ContextCPSROffset+20:], c.SS.Exception)

	ns := stateHeaderSize + savedState64Size
	le.PutUint32(p[ns:], c.NS.Flavor)
	le.PutUint32(p[ns+4:], c.NS.Count)
	for i, q := range c.NS.Q {
		le.PutUint64(p[ns+stateHeaderSize+i*16:], q[0])
		le.PutUint64(p[ns+stateHeaderSize+i*16+8:], q[1])
	}
	le.PutUint32(p[ns+stateHeaderSize+512:], c.NS.FPSR)
	le.PutUint32(p[ns+stateHeaderSize+516:], c.NS.FPCR)

	return p
}

// DecodeContext parses a context block out of raw stack memory. It
// validates the buffer length and the saved state tag and reports no
// match instead of trusting arbitrary bytes.
func DecodeContext(p []byte) (*Context, bool) {
	if len(p) < ContextSize {
		return nil, false
	}
	le := binary.LittleEndian
	if le.Uint64(p[0:]) != TagSavedState64 {
		return nil, false
	}

	c := &Context{}
	c.SS.Flavor = le.Uint32(p[0:])
	c.SS.Count = le.Uint32(p[4:])
	for i := range c.SS.X {
		c.SS.X[i] = le.Uint64(p[stateHeaderSize+i*8:])
	}
	c.SS.FP = le.Uint64(p[ContextFPOffset:])
	c.SS.LR = le.Uint64(p[ContextLROffset:])
	c.SS.SP = le.Uint64(p[ContextSPOffset:])
	c.SS.PC = le.Uint64(p[ContextPCOffset:])
	c.SS.CPSR = le.Uint32(p[ContextCPSROffset:])
	c.SS.Reserved = le.Uint32(p[ContextCPSROffset+4:])
	c.SS.FAR = le.Uint64(p[ContextCPSROffset+8:])
	c.SS.ESR = le.Uint32(p[ContextCPSROffset+16:])
	c.SS.Exception = le.Uint32(p[ContextCPSROffset+20:])

	ns := stateHeaderSize + savedState64Size
	c.NS.Flavor = le.Uint32(p[ns:])
	c.NS.Count = le.Uint32(p[ns+4:])
	for i := range c.NS.Q {
		c.NS.Q[i][0] = le.Uint64(p[ns+stateHeaderSize+i*16:])
		c.NS.Q[i][1] = le.Uint64(p[ns+stateHeaderSize+i*16+8:])
	}
	c.NS.FPSR = le.Uint32(p[ns+stateHeaderSize+512:])
	c.NS.FPCR = le.Uint32(p[ns+stateHeaderSize+516:])

	return c, true
}

// FindState scans p in step-sized strides for a saved state tag and
// returns the offset of the first hit.
func FindState(p []byte, step int) (int, bool) {
	if step <= 0 {
		step = 8
	}
	for off := 0; off+8 <= len(p); off += step {
		if binary.LittleEndian.Uint64(p[off:]) == TagSavedState64 {
			return off, true
		}
	}
	return 0, false
}
