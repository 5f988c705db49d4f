package main

import (
	"os"

	"github.com/kebairia/rbackup/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
