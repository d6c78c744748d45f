// Command coughctl is the operator CLI for the coughsense invoker.
package main

import (
	"os"

	"github.com/coughsense/coughsense-go/cmd/coughctl/cmd"
)

func main() {
	if err := cmd.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
