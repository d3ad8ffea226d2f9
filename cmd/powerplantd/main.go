package main

import (
	"fmt"
	"os"

	"github.com/danmuck/powerplant/internal/logging"
)

func main() {
	logging.ConfigureRuntime()
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "powerplantd: %v\n", err)
		os.Exit(1)
	}
}
