package main

import "github.com/iotedge-labs/sparkplugb/internal/cli"

func main() {
	cli.Run()
}
