package main

import "github.com/apernet/corevpn/cmd"

func main() {
	cmd.Execute()
}
