package main

import (
	"github.com/billm/simpilot/cmd"
)

func main() {
	cmd.Execute()
}
