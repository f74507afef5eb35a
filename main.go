package main

import "github.com/resilience-sim/resilience-sim/cmd"

func main() {
	cmd.Execute()
}
