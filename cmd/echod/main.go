// Package main is the entry point for echod.
package main

import (
	"os"

	"github.com/aidanlsb/echo/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
