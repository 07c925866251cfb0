package main

import (
	"os"

	"github.com/netsendo/funnel/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
