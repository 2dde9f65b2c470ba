package main

import (
	"os"

	"chatcore/cmd"
	"chatcore/config"
)

func main() {
	err := cmd.Execute()
	_ = config.Log.Sync()
	if err != nil {
		os.Exit(1)
	}
}
