// Command liveintake runs the Argus live voice intake: a bidirectional audio
// session between the operator's microphone and speaker and a remote voice
// agent that asks the incident-report questions.
//
// Usage:
//
//	liveintake talk --config liveintake.yaml     # one session in the terminal
//	liveintake serve --config liveintake.yaml    # HTTP API for the report UI
//	liveintake devices                           # list capture devices
package main

import (
	"os"

	"github.com/argushq/liveintake/cmd/liveintake/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
