package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"kdbg/config"
	"kdbg/kdbg"
	"kdbg/remote"
)

func main() {
	stubAddr := flag.String("c", "", "primitive stub address (host:port)")
	buildFile := flag.String("b", "", "kernel build description (yaml)")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s -c <host:port> [-b build.yaml] [-v]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	if *stubAddr == "" {
		fmt.Fprintf(os.Stderr, "no primitive stub address\n")
		flag.Usage()
		os.Exit(1)
	}

	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}

	var syms kdbg.SymbolResolver
	var offs kdbg.OffsetResolver
	if *buildFile != "" {
		build, err := config.Load(*buildFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading build description: %s\n", err)
			os.Exit(1)
		}
		Printf("kernel build: %s\n", build.Version)
		syms = build.SymbolTable()
		offs = build.OffsetTable()
	}

	client, err := remote.Dial(*stubAddr, logrus.StandardLogger().WithField("layer", "stub"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error connecting to %s: %s\n", *stubAddr, err)
		os.Exit(1)
	}
	defer client.Close()
	Printf("connected to primitive stub at %s\n", *stubAddr)

	shell := newShell(client.Target(syms, offs))
	shell.interactive()
}
