package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	cmds := rootCmd.Commands()

	names := make(map[string]bool)
	for _, c := range cmds {
		names[c.Name()] = true
	}

	expected := []string{"run", "backfill", "weights", "releases", "categories"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "dmi", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
	require.NotNil(t, rootCmd.PersistentFlags().Lookup("config"))
}

func TestRunCommand_Flags(t *testing.T) {
	flag := runCmd.Flags().Lookup("period")
	require.NotNil(t, flag, "run command should have --period flag")

	spec := runCmd.Flags().Lookup("spec")
	require.NotNil(t, spec)
	assert.Equal(t, "baseline", spec.DefValue)

	mode := runCmd.Flags().Lookup("mode")
	require.NotNil(t, mode)
	assert.Equal(t, "published", mode.DefValue)

	approve := runCmd.Flags().Lookup("approve-vintage-change")
	require.NotNil(t, approve)
	assert.Equal(t, "false", approve.DefValue)
}

func TestWeightsCommand_Subcommands(t *testing.T) {
	var found bool
	for _, c := range weightsCmd.Commands() {
		if c.Name() == "extract" {
			found = true
		}
	}
	assert.True(t, found)
	require.NotNil(t, weightsExtractCmd.Flags().Lookup("output"))
	require.NotNil(t, weightsExtractCmd.Flags().Lookup("diagnostics"))
}

func TestReleasesCommand_Flags(t *testing.T) {
	flag := releasesListCmd.Flags().Lookup("limit")
	require.NotNil(t, flag, "releases list should have --limit flag")
	assert.Equal(t, "50", flag.DefValue)
}
