package main

import (
	"os"

	"github.com/cratehq/crate-go/internal/cmd"
)

func main() {
	os.Exit(cmd.Main(os.Args))
}
