// Command kbchat is the entry point for the knowledge-base assistant. It
// serves the HTTP API and offers operator commands for ingestion and tokens.
package main

import (
	"fmt"
	"os"

	"github.com/54b3r/kbchat-go/cmd/kbchat/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
