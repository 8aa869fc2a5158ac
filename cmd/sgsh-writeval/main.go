package main

import (
	"fmt"
	"os"

	"github.com/dspinellis/sgsh/cmd/sgsh-writeval/commands"
	"github.com/dspinellis/sgsh/src/store"
)

func main() {
	rootCmd := commands.RootCmd

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(store.ExitCode(err))
	}
}
