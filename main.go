package main

import "github.com/evalcore/topk/cmd"

func main() {
	cmd.Execute()
}
