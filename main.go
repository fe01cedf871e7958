package main

import (
	"proxyrot/rot/cmd"
)

func main() {
	cmd.Run()
}
