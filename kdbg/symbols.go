package kdbg

// Kernel symbol names consumed through SymbolResolver. The addresses
// behind them are only valid for one exact kernel build.
const (
	// CpuDataEntries is the per-core data table in the kernel data
	// segment; each entry holds the physical and virtual address of that
	// core's cpu_data.
	SymCPUDataEntries = "CpuDataEntries"

	// RegisterLoadGadget is the two argument gadget
	//   mov x21, x0 ; mov x22, x1 ; br x22
	// giving control of x21 and pc from the call primitive.
	SymRegisterLoadGadget = "mov_x21_br_x22_gadget"

	// ExceptionReturn is the tail of the exception vector that reloads
	// the whole register file (including SPSR) from the block in x21 and
	// issues an eret.
	SymExceptionReturn = "exception_return"

	// MDSCRGadget writes x8 to MDSCR_EL1 and falls through to a function
	// epilog that pops six registers off a stack we control.
	SymMDSCRGadget = "msr_mdscr_el1_x8_gadget"

	// ThreadExceptionReturn takes a kernel thread back to userspace via
	// its saved user context.
	SymThreadExceptionReturn = "thread_exception_return"

	// ValidLinkRegister is the safe re-entry point in the synchronous
	// exception path, just past the instruction abort check that would
	// reject our synthetic state.
	SymValidLinkRegister = "fleh_synchronous_valid_link_register"

	// BreakpointLoop is the `for (;;)` the kernel parks a thread in when
	// a hardware breakpoint fires in kernel mode.
	SymBreakpointLoop = "el1_hw_bp_loop"

	// SlehSyncEpilog is the label a released thread resumes at to fall
	// out of the loop and into the normal nested exception return.
	SymSlehSyncEpilog = "sleh_synchronous_epilog"
)

// Struct and field names consumed through OffsetResolver.
const (
	StructThread         = "thread"
	FieldBoundProcessor  = "bound_processor"
	FieldChosenProcessor = "chosen_processor"
	FieldKStackPtr       = "machine.kstackptr"
	FieldUserContext     = "machine.contextData"
	FieldDebugData       = "machine.DebugData"

	StructCPUData      = "cpu_data"
	FieldCPUProcessor  = "cpu_processor"
)

// Layout of the per-core data table: 16 byte entries, virtual address of
// the cpu_data at offset 8.
const (
	cpuDataEntrySize       = 0x10
	cpuDataEntryVirtOffset = 8
)
