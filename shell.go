package main

import (
	"fmt"
	"io"
	"runtime"

	"github.com/chzyer/readline"

	"kdbg/kdbg"
)

type shell struct {
	target  *kdbg.Target
	session *kdbg.Session
	bpAddr  uint64
	prev    string
}

func newShell(target *kdbg.Target) *shell {
	return &shell{target: target}
}

func (sh *shell) interactive() {
	// Injection hijacks the calling thread's kernel side, so the whole
	// shell stays on one OS thread.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            "[kdbg]$ ",
		HistoryFile:       "/tmp/kdbg_history.txt",
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
		FuncFilterInputRune: func(r rune) (rune, bool) {
			switch r {
			case readline.CharCtrlZ:
				return r, false
			}
			return r, true
		},
	})
	if err != nil {
		panic(err)
	}
	defer rl.Close()

	for {
		if sh.bpAddr != 0 {
			rl.SetPrompt(fmt.Sprintf("[%skdbg%s:%s0x%x%s]$ ", ColorCyan, ColorReset, ColorCyan, sh.bpAddr, ColorReset))
		} else {
			rl.SetPrompt("[kdbg]$ ")
		}

		req, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			if err == io.EOF {
				break
			}
			continue
		}

		if req == "" {
			if sh.prev == "" {
				continue
			}
			req = sh.prev
		}

		if req == "q" || req == "exit" || req == "quit" {
			break
		}

		sh.prev = req

		if err := sh.cmdExec(req); err != nil {
			LogError(err.Error())
		}
	}
}
