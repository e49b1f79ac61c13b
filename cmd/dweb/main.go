package main

import (
	"os"

	"github.com/internetarchive/dweb-transports-sub000/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
