package main

import "github.com/roboepics/dockerizer"

func main() {
	dockerizer.Main()
}
