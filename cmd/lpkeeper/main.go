package main

import (
	"os"

	"github.com/rustyeddy/lpkeeper/cmd/lpkeeper/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
