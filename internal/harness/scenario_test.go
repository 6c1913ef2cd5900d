package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validScenario = `
name: valid
description: "A minimal valid scenario"
steps:
  - do: send
    hit_type: event
assertions:
  - type: queued
    count: 1
`

func TestLoadScenario(t *testing.T) {
	path := filepath.Join(t.TempDir(), "valid.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validScenario), 0o600))

	s, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, "valid", s.Name)
	require.Len(t, s.Steps, 1)
	assert.Equal(t, DoSend, s.Steps[0].Do)
	assert.Equal(t, "event", s.Steps[0].HitType)
	assert.Nil(t, s.Config.RateLimit)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestParseScenario_RejectsUnknownFields(t *testing.T) {
	_, err := ParseScenario([]byte(validScenario + "assertion: []\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestParseScenario_Validation(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{
			name: "missing name",
			src:  "description: d\nsteps: [{do: clear}]\nassertions: [{type: queued}]\n",
			want: "name is required",
		},
		{
			name: "missing description",
			src:  "name: n\nsteps: [{do: clear}]\nassertions: [{type: queued}]\n",
			want: "description is required",
		},
		{
			name: "no steps",
			src:  "name: n\ndescription: d\nassertions: [{type: queued}]\n",
			want: "steps list is required",
		},
		{
			name: "no assertions",
			src:  "name: n\ndescription: d\nsteps: [{do: clear}]\n",
			want: "assertions list is required",
		},
		{
			name: "send without hit type",
			src:  "name: n\ndescription: d\nsteps: [{do: send}]\nassertions: [{type: queued}]\n",
			want: "hit_type is required",
		},
		{
			name: "advance without duration",
			src:  "name: n\ndescription: d\nsteps: [{do: advance}]\nassertions: [{type: queued}]\n",
			want: "duration is required",
		},
		{
			name: "bad duration",
			src:  "name: n\ndescription: d\nsteps: [{do: period, duration: soon}]\nassertions: [{type: queued}]\n",
			want: "steps[0]",
		},
		{
			name: "unknown action",
			src:  "name: n\ndescription: d\nsteps: [{do: reboot}]\nassertions: [{type: queued}]\n",
			want: `unknown action "reboot"`,
		},
		{
			name: "unknown assertion",
			src:  "name: n\ndescription: d\nsteps: [{do: clear}]\nassertions: [{type: final_state}]\n",
			want: `unknown assertion type "final_state"`,
		},
		{
			name: "contains without params",
			src:  "name: n\ndescription: d\nsteps: [{do: clear}]\nassertions: [{type: delivered_contains}]\n",
			want: "params is required",
		},
		{
			name: "bad period",
			src:  "name: n\ndescription: d\nconfig: {period: often}\nsteps: [{do: clear}]\nassertions: [{type: queued}]\n",
			want: "config.period",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.src))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
