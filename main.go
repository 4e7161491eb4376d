package main

import (
	"os"

	"github.com/keboola/osiris-sub003/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
