// Command delegate is the operator-facing CLI: daemon process management
// plus the administrative commands that don't go through the daemon's
// HTTP surface.
package main

import (
	"os"

	"github.com/delegate-dev/delegate/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
