package main

import (
	"os"

	"github.com/andresmejia3/featurepipe/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
