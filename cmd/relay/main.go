package main

import "github.com/nfrund/chatrelay/cmd/relay/cmd"

func main() {
	cmd.Execute()
}
