package main

import (
	"fmt"
	"os"

	"github.com/wesm/github-issue-mirror/internal/logging"
)

var version = "dev"

func main() {
	if err := Execute(); err != nil {
		logging.Error("command failed", "error", err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
