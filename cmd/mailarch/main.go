package main

import (
	"fmt"
	"os"

	"github.com/repairer5812/ai-email-summarizer/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
