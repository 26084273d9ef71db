package main

import "github.com/openrobobrain/orb/cmd"

func main() {
	cmd.Execute()
}
