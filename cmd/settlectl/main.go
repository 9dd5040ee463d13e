package main

import (
	"os"

	"splitledger/cmd/settlectl/commands"
)

func main() {
	if err := commands.NewRootCommand(commands.OpenDatabase).Execute(); err != nil {
		os.Exit(1)
	}
}
