// Package kdbg is a thread-local kernel debugger built from userspace on
// top of two primitives assumed already present: arbitrary kernel memory
// read/write and arbitrary kernel function calls.
//
// Hardware breakpoints on kernel code never fire under normal conditions
// because the debug suppression bit is set on every kernel entry and no
// ordinary instruction path clears it. The debugger lifts it by staging a
// fully synthetic register state block in wired memory and driving the
// kernel's own return-from-exception routine through the call primitive,
// so the CPU restores a status register of our choosing while re-entering
// the syscall dispatch path with a request of our choosing.
//
// A thread that then hits the breakpoint is parked by the kernel in an
// infinite loop until the scheduler tick preempts it. A monitor pinned to
// the same core (pinning doubles as mutual exclusion) scans the parked
// thread's kernel stack for the two spilled register contexts: the
// preemption frame and, nested below it, the breakpoint frame. The
// breakpoint frame is handed to a caller supplied handler for inspection
// and mutation, written back, and the preemption frame's saved pc is
// repointed so the thread exits the loop and resumes the operation.
//
// One breakpoint per session. There is no single step: handlers emulate
// the trapped instruction and advance pc themselves.
package kdbg
