package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validXML = `<bpmn:definitions xmlns:bpmn="http://www.omg.org/spec/BPMN/20100524/MODEL">
  <bpmn:process id="p">
    <bpmn:startEvent id="s"/>
    <bpmn:endEvent id="e"/>
    <bpmn:sequenceFlow id="f" sourceRef="s" targetRef="e"/>
  </bpmn:process>
</bpmn:definitions>`

func TestValidateCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p.bpmn")
	require.NoError(t, os.WriteFile(path, []byte(validXML), 0o644))

	out := new(bytes.Buffer)
	RootCmd.SetOut(out)
	RootCmd.SetErr(out)
	RootCmd.SetArgs([]string{"validate", path})

	require.NoError(t, RootCmd.Execute())
	assert.Contains(t, out.String(), `process "p" is valid`)
}

func TestValidateCommandRejectsBrokenDefinition(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.bpmn")
	require.NoError(t, os.WriteFile(path, []byte("<broken"), 0o644))

	RootCmd.SetOut(new(bytes.Buffer))
	RootCmd.SetErr(new(bytes.Buffer))
	RootCmd.SetArgs([]string{"validate", path})

	assert.Error(t, RootCmd.Execute())
}
