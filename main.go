package main

import "fetcharr/cmd"

func main() {
	cmd.Execute()
}
