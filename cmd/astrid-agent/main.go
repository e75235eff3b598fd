package main

import (
	"os"

	"github.com/astrid-app/astrid-agent/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
