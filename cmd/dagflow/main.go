// Package main is the entry point for the dagflow CLI.
//
// This binary carries no workflows of its own: it migrates the database and
// inspects runs. Programs embedding the engine build their own binary by
// registering workflows and passing the registry to app.NewRootCmd.
package main

import (
	"os"

	"github.com/dagflow-dev/dagflow/cmd/dagflow/app"
)

func main() {
	if err := app.NewRootCmd(nil).Execute(); err != nil {
		os.Exit(1)
	}
}
