package main

import "canvas_worker/internal/cli"

func main() {
	cli.Execute()
}
