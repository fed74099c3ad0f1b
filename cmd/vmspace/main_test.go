package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCommand(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer

	rootCmd := newRootCommand()
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "vmspace ")
}

func TestRootRegistersCommands(t *testing.T) {
	t.Parallel()

	names := []string{}
	for _, sub := range newRootCommand().Commands() {
		names = append(names, sub.Name())
	}

	assert.Subset(t, names, []string{"simulate", "check", "version"})
}
