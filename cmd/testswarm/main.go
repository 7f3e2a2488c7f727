package main

import (
	"os"

	"github.com/VenkatGGG/testswarm/cmd/testswarm/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
