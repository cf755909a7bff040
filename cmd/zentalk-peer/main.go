// Package main provides the zentalk-peer command line client
package main

import (
	"os"

	"github.com/ZentaChain/zentalk-peer/cmd/zentalk-peer/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
