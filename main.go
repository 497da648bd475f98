package main

import "bisync/cmd"

func main() {
	cmd.Execute()
}
