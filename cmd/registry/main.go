package main

import (
	"github.com/GhostKellz/ghostdock/registry"
)

func main() {
	// nolint:errcheck
	registry.RootCmd.Execute()
}
