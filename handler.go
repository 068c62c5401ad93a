package main

import (
	"fmt"

	"kdbg/kdbg"
)

// contextHandler is the default breakpoint handler: dump the trapped
// thread's state and let it continue untouched.
type contextHandler struct {
	target *kdbg.Target
}

func newContextHandler(target *kdbg.Target) *contextHandler {
	return &contextHandler{target: target}
}

func (h *contextHandler) HandleBreakpoint(ctx *kdbg.Context) {
	hLine("registers")
	for i := 0; i < len(ctx.SS.X); i += 2 {
		fmt.Printf("$x%-2d  : %s0x%016x%s", i, ColorCyan, ctx.SS.X[i], ColorReset)
		if i+1 < len(ctx.SS.X) {
			fmt.Printf("   $x%-2d  : %s0x%016x%s", i+1, ColorCyan, ctx.SS.X[i+1], ColorReset)
		}
		fmt.Printf("\n")
	}
	fmt.Printf("$fp   : %s0x%016x%s   $lr   : %s0x%016x%s\n",
		ColorCyan, ctx.SS.FP, ColorReset, ColorCyan, ctx.SS.LR, ColorReset)
	fmt.Printf("$sp   : %s0x%016x%s   $pc   : %s0x%016x%s\n",
		ColorCyan, ctx.SS.SP, ColorReset, ColorCyan, ctx.SS.PC, ColorReset)
	fmt.Printf("$cpsr : 0x%08x   $esr  : 0x%08x   $far  : 0x%016x\n",
		ctx.SS.CPSR, ctx.SS.ESR, ctx.SS.FAR)

	hLine("disassembly")
	if err := disass(h.target.Mem, ctx.SS.PC, 32); err != nil {
		LogError("disassembly at 0x%016x: %v", ctx.SS.PC, err)
	}
	hLineRaw()
}
