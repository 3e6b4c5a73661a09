package main

import (
	"os"

	"mantle/cmd/mantle/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
