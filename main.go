package main

import "github.com/botgatehq/botgate/cmd"

func main() {
	cmd.Execute()
}
