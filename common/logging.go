// Package common provides the shared logging and error infrastructure for
// the BPMN engine. The logger routes error-level output to stderr and
// everything else to stdout so containerized deployments can separate the
// streams, and exposes a single global instance used across all packages.
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log lines to stdout or stderr based on
// their level. It operates on the final logrus output, so it works with both
// the text and JSON formatters.
type OutputSplitter struct{}

// Write sends lines containing an error-level marker to stderr and all other
// lines to stdout.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte(`level=error`)) || bytes.Contains(p, []byte(`"level":"error"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the global logger for the engine. Packages log through it with
// structured fields (instance_id, element_id, process_id) so instance
// lifecycles can be traced end to end.
//
// Example:
//
//	common.Logger.WithFields(logrus.Fields{
//	    "instance_id": instanceID,
//	    "element_id":  elementID,
//	}).Info("user task reached")
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}
