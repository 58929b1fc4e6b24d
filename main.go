package main

import "github.com/arcward/pingpanel/cmd"

func main() {
	cmd.Execute()
}
