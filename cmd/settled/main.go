package main

import "github.com/rampline/settlecore/internal/cli"

func main() {
	cli.Execute()
}
