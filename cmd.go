package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/manifoldco/promptui"
	"golang.org/x/arch/arm64/arm64asm"

	"kdbg/kdbg"
)

type cmdHandler struct {
	regex *regexp.Regexp
	fn    func(*shell, interface{}) error
}

var compiledCmds = []cmdHandler{
	{regexp.MustCompile(`^\s*(b|bp|break|B|BREAK)\s+(\S+)\s*$`), (*shell).cmdBreak},
	{regexp.MustCompile(`^\s*(r|run|R|RUN)\s+([0-9]+)((?:\s+(?:0[xX][0-9a-fA-F]+|[0-9]+))*)\s*$`), (*shell).cmdRun},
	{regexp.MustCompile(`^\s*(raw)\s+([0-9]+)((?:\s+(?:0[xX][0-9a-fA-F]+|[0-9]+))*)\s*$`), (*shell).cmdRaw},
	{regexp.MustCompile(`^\s*(sc|syscall)\s*$`), (*shell).cmdSyscallPicker},
	{regexp.MustCompile(`^\s*(demo)\s*$`), (*shell).cmdDemo},
	{regexp.MustCompile(`^\s*(sym|symbol|SYM|SYMBOL)\s+(\w+)\s*$`), (*shell).cmdSym},
	{regexp.MustCompile(`^\s*(off|offset)\s+(\w+)\s+([\w.]+)\s*$`), (*shell).cmdOff},
	{regexp.MustCompile(`^\s*(p|print|P|PRINT)\s+(0[xX][0-9a-fA-F]+|0[0-7]+|[1-9][0-9]*|0)$`), (*shell).cmdPrint},
	{regexp.MustCompile(`^\s*(dq|xxd\s+qword)\s+(\S+)(?:\s+(0[xX][0-9a-fA-F]+|0[0-7]+|[1-9][0-9]*|0))?$`), (*shell).cmdXxdQword},
	{regexp.MustCompile(`^\s*(db|xxd)\s+(\S+)(?:\s+(0[xX][0-9a-fA-F]+|0[0-7]+|[1-9][0-9]*|0))?$`), (*shell).cmdXxd},
	{regexp.MustCompile(`^\s*(set)\s+(\S+)\s+(0[xX][0-9a-fA-F]+|0[0-7]+|[1-9][0-9]*|0)$`), (*shell).cmdSet},
	{regexp.MustCompile(`^\s*(set32)\s+(\S+)\s+(0[xX][0-9a-fA-F]+|0[0-7]+|[1-9][0-9]*|0)$`), (*shell).cmdSet32},
	{regexp.MustCompile(`^\s*(disass)\s+(\S+)(?:\s+(0[xX][0-9a-fA-F]+|0[0-7]+|[1-9][0-9]*|0))?$`), (*shell).cmdDisass},
	{regexp.MustCompile(`^\s*(h|help|\?)\s*$`), (*shell).cmdHelp},
}

func (sh *shell) cmdExec(req string) error {
	for _, handler := range compiledCmds {
		if m := handler.regex.FindStringSubmatch(req); m != nil {
			return handler.fn(sh, m)
		}
	}
	return errors.New("unknown command")
}

// parseAddr accepts a numeric literal or a symbol name.
func (sh *shell) parseAddr(s string) (uint64, error) {
	if addr, err := strconv.ParseUint(s, 0, 64); err == nil {
		return addr, nil
	}
	return sh.target.Symbols.Resolve(s)
}

func (sh *shell) cmdBreak(a interface{}) error {
	args, ok := a.([]string)
	if !ok {
		return errors.New("invalid arguments")
	}
	addr, err := sh.parseAddr(args[2])
	if err != nil {
		return err
	}

	thread, err := sh.target.Handles.CurrentThread()
	if err != nil {
		return err
	}

	// One breakpoint per session; arming a new address replaces the
	// whole session.
	session, err := kdbg.StartSession(sh.target, thread, addr, newContextHandler(sh.target))
	if err != nil {
		return err
	}
	sh.session = session
	sh.bpAddr = addr

	fmt.Printf("Breakpoint armed at %s0x%016x%s\n", ColorCyan, addr, ColorReset)
	return nil
}

func parseOperationArgs(tail string) ([]uint64, error) {
	fields := strings.Fields(tail)
	if len(fields) > kdbg.MaxCallArgs {
		return nil, fmt.Errorf("%d arguments, limit is %d", len(fields), kdbg.MaxCallArgs)
	}
	args := make([]uint64, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseUint(f, 0, 64)
		if err != nil {
			return nil, err
		}
		args = append(args, v)
	}
	return args, nil
}

func (sh *shell) cmdRun(a interface{}) error {
	args, ok := a.([]string)
	if !ok {
		return errors.New("invalid arguments")
	}
	if sh.session == nil {
		return errors.New("no breakpoint armed, use bp first")
	}

	number, err := strconv.ParseUint(args[2], 10, 32)
	if err != nil {
		return err
	}
	opArgs, err := parseOperationArgs(args[3])
	if err != nil {
		return err
	}

	if err := sh.session.RunOperation(uint32(number), opArgs...); err != nil {
		return err
	}
	Printf("operation %d completed\n", number)
	return nil
}

func (sh *shell) cmdRaw(a interface{}) error {
	args, ok := a.([]string)
	if !ok {
		return errors.New("invalid arguments")
	}
	if sh.session == nil {
		return errors.New("no session, use bp first")
	}

	number, err := strconv.ParseUint(args[2], 10, 32)
	if err != nil {
		return err
	}
	opArgs, err := parseOperationArgs(args[3])
	if err != nil {
		return err
	}

	if err := sh.session.RawOperation(uint32(number), opArgs...); err != nil {
		return err
	}
	Printf("raw operation %d completed\n", number)
	return nil
}

type knownOperation struct {
	name   string
	number uint32
	args   []string
}

var knownOperations = []knownOperation{
	{"getpid", 20, nil},
	{"read", 3, []string{"fd", "buf", "size"}},
	{"write", 4, []string{"fd", "buf", "size"}},
	{"open", 5, []string{"path", "flags", "mode"}},
	{"close", 6, []string{"fd"}},
}

func (sh *shell) cmdSyscallPicker(a interface{}) error {
	if sh.session == nil {
		return errors.New("no breakpoint armed, use bp first")
	}

	items := make([]string, len(knownOperations))
	for i, op := range knownOperations {
		items[i] = fmt.Sprintf("%s (%d)", op.name, op.number)
	}
	sel := promptui.Select{
		Label: "Operation",
		Items: items,
	}
	idx, _, err := sel.Run()
	if err != nil {
		return err
	}
	op := knownOperations[idx]

	opArgs := make([]uint64, 0, len(op.args))
	for _, name := range op.args {
		prompt := promptui.Prompt{
			Label: name,
			Validate: func(in string) error {
				_, err := strconv.ParseUint(in, 0, 64)
				return err
			},
		}
		raw, err := prompt.Run()
		if err != nil {
			return err
		}
		v, _ := strconv.ParseUint(raw, 0, 64)
		opArgs = append(opArgs, v)
	}

	if err := sh.session.RunOperation(op.number, opArgs...); err != nil {
		return err
	}
	Printf("%s completed\n", op.name)
	return nil
}

// cmdDemo rewrites an in-flight write: it arms a breakpoint on the write
// syscall entrypoint, injects write(1, original, len) and swaps the
// argument block to a replacement buffer from the handler.
func (sh *shell) cmdDemo(a interface{}) error {
	const (
		original    = "original message\n"
		replacement = "rewritten from the breakpoint handler\n"
	)

	bpAddr, err := sh.target.Symbols.Resolve("write_syscall_entrypoint")
	if err != nil {
		return err
	}
	thread, err := sh.target.Handles.CurrentThread()
	if err != nil {
		return err
	}

	origBuf, err := sh.target.Alloc.Allocate(uint64(len(original)))
	if err != nil {
		return err
	}
	newBuf, err := sh.target.Alloc.Allocate(uint64(len(replacement)))
	if err != nil {
		return err
	}
	if err := sh.target.Mem.WriteBytes(origBuf, []byte(original)); err != nil {
		return err
	}
	if err := sh.target.Mem.WriteBytes(newBuf, []byte(replacement)); err != nil {
		return err
	}

	// x1 of the trapped state is the syscall argument block; buf and
	// size live at +8 and +0x10. The trapped instruction never runs, so
	// the handler steps pc past it by hand.
	rewrite := kdbg.HandlerFunc(func(ctx *kdbg.Context) {
		uap := ctx.SS.X[1]
		Printf("write trapped, uap @ 0x%016x\n", uap)
		if err := sh.target.Mem.Write64(uap+8, newBuf); err != nil {
			LogError("rewrite buf: %v", err)
			return
		}
		if err := sh.target.Mem.Write64(uap+0x10, uint64(len(replacement))); err != nil {
			LogError("rewrite size: %v", err)
			return
		}
		ctx.SS.PC += 4
	})

	session, err := kdbg.StartSession(sh.target, thread, bpAddr, rewrite)
	if err != nil {
		return err
	}
	if err := session.RunOperation(4, 1, origBuf, uint64(len(original))); err != nil {
		return err
	}
	Printf("write(1, ...) injected with buffer swapped in flight\n")
	return nil
}

func (sh *shell) cmdSym(a interface{}) error {
	args, ok := a.([]string)
	if !ok {
		return errors.New("invalid arguments")
	}
	addr, err := sh.target.Symbols.Resolve(args[2])
	if err != nil {
		return err
	}
	Printf("%s = 0x%016x\n", args[2], addr)
	return nil
}

func (sh *shell) cmdOff(a interface{}) error {
	args, ok := a.([]string)
	if !ok {
		return errors.New("invalid arguments")
	}
	off, err := sh.target.Offsets.OffsetOf(args[2], args[3])
	if err != nil {
		return err
	}
	Printf("%s.%s = 0x%x\n", args[2], args[3], off)
	return nil
}

func (sh *shell) cmdPrint(a interface{}) error {
	args, ok := a.([]string)
	if !ok {
		return errors.New("invalid arguments")
	}
	val, err := strconv.ParseUint(args[2], 0, 64)
	if err != nil {
		return err
	}
	fmt.Printf("HEX: %s0x%x%s DEC: %s%d%s OCT: %s%o%s BIN: %s%b%s\n",
		ColorCyan, val, ColorReset,
		ColorCyan, val, ColorReset,
		ColorCyan, val, ColorReset,
		ColorCyan, val, ColorReset)
	return nil
}

func (sh *shell) cmdXxd(a interface{}) error {
	args, ok := a.([]string)
	if !ok {
		return errors.New("invalid arguments")
	}
	addr, err := sh.parseAddr(args[2])
	if err != nil {
		return err
	}
	var n uint64 = 64
	if len(args) > 3 && args[3] != "" {
		n, err = strconv.ParseUint(args[3], 0, 64)
		if err != nil {
			return err
		}
	}

	data := make([]byte, n)
	if err := sh.target.Mem.ReadBytes(addr, data); err != nil {
		return err
	}

	for i := 0; i < len(data); i += 16 {
		fmt.Printf("%s%016x%s: ", ColorBlue, addr+uint64(i), ColorReset)

		for j := 0; j < 16; j++ {
			if i+j < len(data) {
				fmt.Printf("%02x ", data[i+j])
			} else {
				fmt.Printf("   ")
			}
		}

		fmt.Printf(" |")

		for j := 0; j < 16 && i+j < len(data); j++ {
			b := data[i+j]
			if b >= 32 && b <= 126 {
				fmt.Printf("%c", b)
			} else {
				fmt.Printf(".")
			}
		}

		fmt.Printf("|\n")
	}

	return nil
}

func (sh *shell) cmdXxdQword(a interface{}) error {
	args, ok := a.([]string)
	if !ok {
		return errors.New("invalid arguments")
	}
	addr, err := sh.parseAddr(args[2])
	if err != nil {
		return err
	}
	var n uint64 = 8
	if len(args) > 3 && args[3] != "" {
		n, err = strconv.ParseUint(args[3], 0, 64)
		if err != nil {
			return err
		}
	}

	data := make([]byte, n*8)
	if err := sh.target.Mem.ReadBytes(addr, data); err != nil {
		return err
	}

	for i := 0; i < len(data); i += 8 {
		fmt.Printf("%s0x%016x%s: %s0x%016x%s\n",
			ColorBlue, addr+uint64(i), ColorReset,
			ColorCyan, binary.LittleEndian.Uint64(data[i:i+8]), ColorReset)
	}

	return nil
}

func (sh *shell) cmdSet(a interface{}) error {
	args, ok := a.([]string)
	if !ok {
		return errors.New("invalid arguments")
	}
	addr, err := sh.parseAddr(args[2])
	if err != nil {
		return err
	}
	val, err := strconv.ParseUint(args[3], 0, 64)
	if err != nil {
		return err
	}
	if err := sh.target.Mem.Write64(addr, val); err != nil {
		return err
	}
	fmt.Printf("Set %s0x%016x%s = %s0x%016x%s\n", ColorBlue, addr, ColorReset, ColorCyan, val, ColorReset)
	return nil
}

func (sh *shell) cmdSet32(a interface{}) error {
	args, ok := a.([]string)
	if !ok {
		return errors.New("invalid arguments")
	}
	addr, err := sh.parseAddr(args[2])
	if err != nil {
		return err
	}
	val, err := strconv.ParseUint(args[3], 0, 32)
	if err != nil {
		return err
	}
	if err := sh.target.Mem.Write32(addr, uint32(val)); err != nil {
		return err
	}
	fmt.Printf("Set %s0x%016x%s = %s0x%08x%s\n", ColorBlue, addr, ColorReset, ColorCyan, val, ColorReset)
	return nil
}

func (sh *shell) cmdDisass(a interface{}) error {
	args, ok := a.([]string)
	if !ok {
		return errors.New("invalid arguments")
	}
	addr, err := sh.parseAddr(args[2])
	if err != nil {
		return err
	}
	var n uint64 = 32
	if len(args) > 3 && args[3] != "" {
		n, err = strconv.ParseUint(args[3], 0, 64)
		if err != nil {
			return err
		}
	}

	return disass(sh.target.Mem, addr, n)
}

func disass(mem kdbg.Memory, addr, n uint64) error {
	data := make([]byte, n&^3)
	if err := mem.ReadBytes(addr, data); err != nil {
		return err
	}

	for i := 0; i+4 <= len(data); i += 4 {
		raw := binary.LittleEndian.Uint32(data[i : i+4])
		inst, err := arm64asm.Decode(data[i : i+4])
		if err != nil {
			fmt.Printf("%s0x%016x%s: %08x  %s(bad)%s\n",
				ColorBlue, addr+uint64(i), ColorReset, raw, ColorRed, ColorReset)
			continue
		}
		fmt.Printf("%s0x%016x%s: %08x  %s%s%s\n",
			ColorBlue, addr+uint64(i), ColorReset, raw, ColorGreen, arm64asm.GNUSyntax(inst), ColorReset)
	}
	return nil
}

func (sh *shell) cmdHelp(a interface{}) error {
	fmt.Print(`bp <addr|sym>          arm a hardware breakpoint (new session)
r <num> [args...]      inject syscall, monitor breakpoint hits
raw <num> [args...]    inject syscall without a breakpoint
sc                     pick a known syscall interactively
demo                   write() buffer rewrite demo
sym <name>             resolve a kernel symbol
off <struct> <field>   resolve a struct field offset
p <val>                print a value in every base
db <addr|sym> [n]      hexdump bytes
dq <addr|sym> [n]      hexdump qwords
set <addr|sym> <val>   write a qword
set32 <addr|sym> <val> write a dword
disass <addr|sym> [n]  disassemble
q                      quit
`)
	return nil
}
