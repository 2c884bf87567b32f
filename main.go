package main

import "github.com/jbenedik/face-registry/cmd"

func main() {
	cmd.Execute()
}
