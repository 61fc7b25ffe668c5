package main

import "github.com/sunbk201/tunnelgate/cmd"

func main() {
	cmd.Execute()
}
