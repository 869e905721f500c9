package main

import "github.com/romeomihailus/dualproxy/cmd"

func main() {
	cmd.Execute()
}
