package main

import "github.com/jmcleod/doorman/cmd/doorman/cmd"

func main() {
	cmd.Execute()
}
