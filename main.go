package main

import (
	"github.com/netseer/netseer/cmd"
)

// main is the entry point for the netseer CLI. All command-line parsing,
// configuration, and execution lives in the cmd package.
func main() {
	cmd.Execute()
}
