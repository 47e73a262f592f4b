package main

import "github.com/cellfn/credits-gateway/cmd"

func main() {
	cmd.Execute()
}
