package main

import "github.com/nicklasfrahm/remux/cmd"

func main() {
	cmd.Execute()
}
