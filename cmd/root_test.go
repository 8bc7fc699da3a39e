package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	expected := []string{"serve", "ingest", "schedule", "recompute", "items", "check", "migrate", "mock-scraper"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "pricewatch", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)

	flag = serveCmd.Flags().Lookup("schedule")
	require.NotNil(t, flag)
	assert.Equal(t, "false", flag.DefValue)
}

func TestScheduleCommand_Flags(t *testing.T) {
	require.NotNil(t, scheduleCmd.Flags().Lookup("once"))
	require.NotNil(t, scheduleCmd.Flags().Lookup("query"))
}

func TestItemsCommand_Flags(t *testing.T) {
	flag := itemsCmd.Flags().Lookup("format")
	require.NotNil(t, flag)
	assert.Equal(t, "table", flag.DefValue)

	flag = itemsCmd.Flags().Lookup("limit")
	require.NotNil(t, flag)
	assert.Equal(t, "100", flag.DefValue)
}

func TestIngestCommand_RequiresQuery(t *testing.T) {
	assert.Error(t, ingestCmd.Args(ingestCmd, nil))
	assert.NoError(t, ingestCmd.Args(ingestCmd, []string{"Charizard PSA 10"}))
}

func TestRecomputeCommand_Args(t *testing.T) {
	assert.Error(t, recomputeCmd.Args(recomputeCmd, []string{"a", "b"}))
	require.NotNil(t, recomputeCmd.Flags().Lookup("all"))
}
