package main

import "kleinsniper/internal/cli"

func main() {
	cli.Execute()
}
