package main

import (
	"os"

	"github.com/openlis/astmlink/cmd/astmlink/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
