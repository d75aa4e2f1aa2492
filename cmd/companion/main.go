// Package main is the entry point for the companion CLI.
//
// Usage:
//
//	companion [flags] <command> [args]
//
// Commands:
//
//	serve    - Run the API server
//	persona  - Manage personas against a running server
//	chat     - Create conversations and send turns
//	call     - Join a realtime voice call for a conversation
//	version  - Show version information
package main

import (
	"fmt"
	"os"

	"github.com/aurelia-labs/companion/cmd/companion/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
