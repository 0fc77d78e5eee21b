// Command midnactl drives a running midna engine over gRPC.
package main

import (
	"os"

	"midna/config"
)

func main() {
	if err := newCLI(os.Stdout, os.Stderr).root().Execute(); err != nil {
		config.Exitf("midnactl: %v", err)
	}
}
