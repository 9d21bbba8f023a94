// The main package for the moqingest executable.
package main

import (
	"github.com/coderfong/moq-pools-ingest/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
