// Command harvestctl drives a harvest server's job control API.
package main

import (
	"os"

	"harvest/cmd/harvestctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
