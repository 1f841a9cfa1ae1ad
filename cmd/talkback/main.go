// Command talkback runs the spoken-dialogue agent.
//
// Usage:
//
//	talkback serve            HTTP and websocket service
//	talkback live             converse through the local microphone and speaker
//	talkback ask [prompt]     speak a single reply to a typed prompt
//	talkback perf             replay spoken turns against a running server
//
// Settings come from built-in defaults, the YAML file named by
// TALKBACK_CONFIG, then environment variables.
package main

import (
	"fmt"
	"os"

	"github.com/ent0n29/talkback/cmd/talkback/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, commands.Styles.Error.Render("Error:"), err)
		os.Exit(1)
	}
}
