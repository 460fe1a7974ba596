// Command bpmn-engine runs the BPMN 2.0 workflow engine server.
package main

import (
	"os"

	"bpmn.evalgo.org/cli"
	"bpmn.evalgo.org/common"
)

func main() {
	if err := cli.Execute(); err != nil {
		common.Logger.WithError(err).Error("command failed")
		os.Exit(1)
	}
}
