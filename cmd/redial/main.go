package main

import (
	"os"

	"github.com/redial-dev/redial/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
