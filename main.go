// ABOUTME: Entry point for the relsync contact sync engine
// ABOUTME: Hands off to the cobra command tree in the cli package
package main

import (
	"github.com/harperreed/relsync/cli"
)

var version = "0.2.0"

func main() {
	cli.Execute(version)
}
