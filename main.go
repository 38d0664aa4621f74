package main

import "github.com/marsh-shell/marsh/cmd"

func main() {
	cmd.Execute()
}
