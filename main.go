// The main package for the equity-ingest executable.
package main

import (
	"github.com/JakeFAU/equity-ingest/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
