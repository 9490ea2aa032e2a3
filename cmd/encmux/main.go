// Package main is the entry point for the encmux application.
package main

import (
	"os"

	"github.com/jmylchreest/encmux/cmd/encmux/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
