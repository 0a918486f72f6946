package main

import (
	"os"

	"github.com/rifqi/dexa/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
