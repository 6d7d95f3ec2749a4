// Package main provides the entry point for the knowledgebeast server.
package main

import (
	"os"

	"github.com/knowledgebeast/knowledgebeast/cmd/knowledgebeast/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
