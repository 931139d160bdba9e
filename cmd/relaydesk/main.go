package main

import "relaydesk/cmd/cli"

func main() {
	cli.Execute()
}
