package main

import "github.com/sonarsweep/sonarsweep/cmd"

func main() {
	cmd.Execute()
}
