// The main package for the stagecrawler executable.
package main

import (
	"github.com/JakeFAU/stagecrawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
