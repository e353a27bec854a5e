package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// Exit codes.
const (
	exitOK                  = 0
	exitRunFailed           = 1
	exitUsage               = 2
	exitDeliveryUnreachable = 3
)

func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(stderr, "fleetci: %v\n", err)
		return exitCode(err)
	}
	return exitOK
}
