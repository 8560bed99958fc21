package main

import (
	"os"

	"github.com/promptmux/promptmux/cmd/pmctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
