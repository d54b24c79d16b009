package main

import "github.com/blacktop/dsc-builder/cmd/dsc-builder/cli"

func main() {
	cli.Execute()
}
