// deprisk scores the supply-chain risk of a project's dependencies.
//
// Usage:
//
//	deprisk scan --manifest-path requirements.txt --ecosystem python --input deps.json
//	deprisk config
//	deprisk sources
//	deprisk cache stats
//	deprisk serve-metrics --addr :9090
//
// Settings come from --config, then DRP_* environment variables.
package main

import (
	"fmt"
	"os"

	"github.com/exploopio/deprisk/pkg/errors"
)

const (
	appName    = "deprisk"
	appVersion = "0.4.0"
)

var exit = os.Exit

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		exit(exitCode(err))
	}
}

// exitCode is 2 for configuration problems and 1 for everything else.
func exitCode(err error) int {
	if errors.IsFatal(err) {
		return 2
	}
	return 1
}
