package main

import "github.com/jmcleod/medkey/cmd/medkey/cmd"

func main() {
	cmd.Execute()
}
