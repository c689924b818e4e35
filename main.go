package main

import "github.com/TopThammanun/bot-discord/cmd"

func main() {
	cmd.Execute()
}
