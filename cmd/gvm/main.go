package main

import "github.com/sarchlab/gvm/cmd/gvm/cmd"

func main() {
	cmd.Execute()
}
