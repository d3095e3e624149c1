package main

import "github.com/nextlevelbuilder/intercom/cmd"

func main() {
	cmd.Execute()
}
