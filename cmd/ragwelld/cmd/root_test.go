package cmd

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragwell/ragwell/pkg/version"
)

func TestVersionCmd_DefaultOutput(t *testing.T) {
	// Given: a version command
	cmd := newVersionCmd()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetArgs([]string{})

	// When: executing without flags
	err := cmd.Execute()

	// Then: it should print the full build string
	require.NoError(t, err)
	output := buf.String()
	assert.Contains(t, output, "ragwelld")
	assert.Contains(t, output, version.Version)
}

func TestRootCmd_HasServeAndVersionSubcommands(t *testing.T) {
	// Given: the root command
	root := NewRootCmd()

	// When: looking up its subcommands
	serveCmd, _, serveErr := root.Find([]string{"serve"})
	versionCmd, _, versionErr := root.Find([]string{"version"})

	// Then: both should resolve
	require.NoError(t, serveErr)
	require.NoError(t, versionErr)
	assert.Equal(t, "serve", serveCmd.Name())
	assert.Equal(t, "version", versionCmd.Name())
}

func TestRootCmd_DebugFlagDefaultsFalse(t *testing.T) {
	// Given: the root command's persistent flags
	root := NewRootCmd()

	// When: inspecting the --debug flag
	flag := root.PersistentFlags().Lookup("debug")

	// Then: it exists and defaults to false
	require.NotNil(t, flag)
	assert.Equal(t, "false", flag.DefValue)
}
