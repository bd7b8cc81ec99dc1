package main

import "github.com/nextlevelbuilder/deskgate/cmd"

func main() {
	cmd.Execute()
}
