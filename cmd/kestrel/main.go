package main

import (
	"os"

	"github.com/psantana5/kestrel/cmd/kestrel/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
