package main

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
)

func TestNeedsDatabase(t *testing.T) {
	tests := []struct {
		cmd  *cobra.Command
		want bool
	}{
		{rootCmd, false},
		{initCmd, false},
		{versionCmd, false},
		{configGetCmd, false},
		{configListCmd, false},
		{bucketListCmd, true},
		{crashSubmitCmd, true},
		{reassignCmd, true},
		{statsReconcileCmd, true},
	}
	for _, tt := range tests {
		t.Run(tt.cmd.CommandPath(), func(t *testing.T) {
			assert.Equal(t, tt.want, needsDatabase(tt.cmd))
		})
	}
}

func TestVersionString(t *testing.T) {
	assert.Equal(t, "1.2.3 (dev)", versionString("1.2.3", "dev", ""))
	assert.Equal(t, "1.2.3 (release: 0123456789ab)", versionString("1.2.3", "release", "0123456789abcdef"))
}

func TestFlattenSettings(t *testing.T) {
	out := map[string]string{}
	flattenSettings("", map[string]interface{}{
		"triage":   map[string]interface{}{"workers": 4},
		"database": map[string]interface{}{"server": map[string]interface{}{"port": 3307}},
		"flat":     "x",
	}, out)
	assert.Equal(t, map[string]string{
		"triage.workers":       "4",
		"database.server.port": "3307",
		"flat":                 "x",
	}, out)
}

func TestPrettySignature(t *testing.T) {
	assert.Equal(t, "{\n  \"a\": 1\n}", prettySignature(`{"a":1}`))
	assert.Equal(t, "not json", prettySignature("not json"))
}
