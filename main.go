package main

import "github.com/outreachly/campd/cmd"

func main() {
	cmd.Execute()
}
