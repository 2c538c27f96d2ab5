package main

import "github.com/hwik-project/hwik/cmd/hwik/cmd"

func main() {
	cmd.Execute()
}
