package main

import "cognitive-traces/internal/cli"

func main() {
	cli.Execute()
}
