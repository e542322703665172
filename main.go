package main

import (
	"os"

	"github.com/remphq/opsassist/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
