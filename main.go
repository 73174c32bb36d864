package main

import (
	"os"

	"github.com/covenantlabs/covenant-go/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
