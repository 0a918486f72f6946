package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommandHasSubcommands(t *testing.T) {
	names := map[string]bool{}
	for _, cmd := range rootCmd.Commands() {
		names[cmd.Name()] = true
	}
	assert.True(t, names["serve"])
	assert.True(t, names["chat"])
}

func TestVersionFlag(t *testing.T) {
	out := &bytes.Buffer{}
	rootCmd.SetOut(out)
	rootCmd.SetArgs([]string{"--version"})

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), version)
}

func TestChatRequiresMessage(t *testing.T) {
	out := &bytes.Buffer{}
	rootCmd.SetOut(out)
	rootCmd.SetErr(out)
	rootCmd.SetArgs([]string{"chat"})

	assert.Error(t, rootCmd.Execute())
}
