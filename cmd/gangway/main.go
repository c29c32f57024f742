// gangway bridges Slack workspaces to local AI coding agent sessions.
//
// Run "gangway serve" to start the bridge, "gangway exec" for a one-shot
// agent invocation, or "gangway sessions" to inspect the session table.
package main

import (
	"os"

	"github.com/gangwaybot/gangway/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
