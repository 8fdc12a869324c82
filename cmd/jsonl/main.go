package main

import (
	"os"

	"github.com/gxo-labs/jsonl/cmd/jsonl/commands"
)

func main() {
	os.Exit(commands.Execute())
}
