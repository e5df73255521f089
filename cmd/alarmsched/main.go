package main

import "alarmsched/cmd/alarmsched/cmd"

func main() {
	cmd.Execute()
}
