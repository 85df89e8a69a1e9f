// Package main is the entry point for the watchpost detection service.
package main

import (
	"context"
	"fmt"
	"os"

	"watchpost/cmd"
)

func main() {
	if err := cmd.NewRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
