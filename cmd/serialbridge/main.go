package main

import (
	"os"

	"github.com/luhtfiimanal/serialbridge/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
