// Package main is the ragpipe command-line entry point.
package main

import (
	"os"

	"github.com/parallax-labs/ragpipe/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
