package main

import "github.com/nfrund/roomsync/cmd/roomsync/cmd"

func main() {
	cmd.Execute()
}
