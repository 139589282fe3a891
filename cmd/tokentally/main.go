package main

import "github.com/marcus/tokentally/cmd/tokentally/commands"

func main() {
	commands.Execute()
}
