package main

// ============================================================================
// Responsibility:
// 1. CLI application entry point
// 2. All logic lives in internal/cli
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/robot-relay/internal/cli"
)

func main() {
	rootCmd := cli.BuildCLI()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
