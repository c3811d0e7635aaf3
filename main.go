package main

import "github.com/sarchlab/lifesim/cmd"

func main() {
	cmd.Execute()
}
