// The main package for the docharvest executable.
package main

import (
	"github.com/JakeFAU/docharvest/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
