package main

import (
	"os"

	"github.com/austindbirch/jobharbor/cmd/jobctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
