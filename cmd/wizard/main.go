package main

import (
	"os"

	"github.com/skynetmoney/wizard/internal/app"
)

func main() {
	runner := app.NewRunner()
	os.Exit(runner.Run(os.Args[1:]))
}
