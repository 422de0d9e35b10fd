package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/pengelbrecht/pomosync/cmd/pomo/cmd"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	cmd.Version = Version
	os.Exit(run())
}

func run() int {
	err := cmd.Execute()
	if err == nil {
		return cmd.ExitSuccess
	}
	var exitErr *cmd.ExitError
	if errors.As(err, &exitErr) {
		if exitErr.Msg != "" {
			fmt.Fprintln(os.Stderr, exitErr.Msg)
		}
		return exitErr.Code
	}
	fmt.Fprintln(os.Stderr, err)
	return cmd.ExitGeneric
}
