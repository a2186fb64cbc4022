package main

import (
	"wow-token-tracker/internal/cli"
)

func main() {
	cli.Execute()
}
