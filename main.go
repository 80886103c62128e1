package main

import "github.com/dashke/fort/fw/cmd"

func main() {
	cmd.Run()
}
