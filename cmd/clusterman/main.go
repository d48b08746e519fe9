// Package main is the entry point for clusterman, the pool autoscaler.
package main

import (
	"os"

	"github.com/openarun/clusterman/cmd/clusterman/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
