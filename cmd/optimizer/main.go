package main

import (
	"os"

	"github.com/psantana5/schedopt/cmd/optimizer/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
