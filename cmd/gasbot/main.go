// gasbot supervises a fleet of game bots: worker processes decide, one
// scheduler injects input, and a bridge talks to the operator.
package main

import (
	"os"

	"github.com/steveyegge/gasbot/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
