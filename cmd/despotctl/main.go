package main

import (
	"fmt"
	"os"

	"github.com/danmuck/despot/internal/logging"
)

func main() {
	logging.ConfigureRuntime()
	if err := newRootCmd(os.Stdin, os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "despotctl: %v\n", err)
		os.Exit(1)
	}
}
