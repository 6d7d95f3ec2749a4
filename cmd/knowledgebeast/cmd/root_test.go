package cmd

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRootCmd_Help(t *testing.T) {
	out, err := execute(t, "--help")

	require.NoError(t, err)
	assert.Contains(t, out, "serve")
	assert.Contains(t, out, "config")
	assert.Contains(t, out, "version")
}

func TestRootCmd_VersionFlag(t *testing.T) {
	out, err := execute(t, "--version")

	require.NoError(t, err)
	assert.Contains(t, out, "knowledgebeast version")
}

func TestRootCmd_UnknownCommand(t *testing.T) {
	_, err := execute(t, "bogus")

	assert.Error(t, err)
}

func TestServeCmd_RejectsMissingConfigFile(t *testing.T) {
	_, err := execute(t, "serve", "--config", "/nonexistent/config.yaml")

	assert.Error(t, err)
}
