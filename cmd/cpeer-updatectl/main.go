package main

import (
	"os"

	"github.com/autopeer-io/updater/cmd/cpeer-updatectl/app"
)

func main() {
	if err := app.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
