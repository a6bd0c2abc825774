package main

import "github.com/nfrund/fanout/cmd/fanout-cli/cmd"

func main() {
	cmd.Execute()
}
