// Package main provides the entry point for the ragwelld daemon/CLI.
package main

import (
	"os"

	"github.com/ragwell/ragwell/cmd/ragwelld/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
