package cmd

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommandHelp(t *testing.T) {
	var output bytes.Buffer
	rootCmd.SetOut(&output)
	rootCmd.SetErr(&output)
	rootCmd.SetArgs([]string{"--help"})

	require.NoError(t, rootCmd.Execute())

	assert.Contains(t, output.String(), "fuzzbox")
	assert.Contains(t, output.String(), "--port")
	assert.Contains(t, output.String(), "--report-dir")
}

func TestVersionCommand(t *testing.T) {
	setBuildInfo("1.2.3", "abcdef0", "2026-08-28")

	var output bytes.Buffer
	rootCmd.SetOut(&output)
	rootCmd.SetErr(&output)
	rootCmd.SetArgs([]string{"version"})

	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, "fuzzbox 1.2.3 (commit abcdef0, built 2026-08-28)\n", output.String())
}

func TestImageUnpinned(t *testing.T) {
	tests := []struct {
		ref      string
		unpinned bool
	}{
		{ref: "crossbario/autobahn-testsuite:0.8.2", unpinned: false},
		{ref: "crossbario/autobahn-testsuite", unpinned: true},
		{ref: "crossbario/autobahn-testsuite:latest", unpinned: true},
		{ref: "registry.example.com:5000/autobahn", unpinned: true},
		{ref: "registry.example.com:5000/autobahn:0.8.2", unpinned: false},
	}

	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			assert.Equal(t, tt.unpinned, imageUnpinned(tt.ref))
		})
	}
}
