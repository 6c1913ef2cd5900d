package harness

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScenarios(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		name := strings.TrimSuffix(filepath.Base(path), ".yaml")
		t.Run(name, func(t *testing.T) {
			scenario, err := LoadScenario(path)
			require.NoError(t, err)
			assert.Equal(t, name, scenario.Name)

			result := RunWithGolden(t, scenario)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestRun_ReportsFailedAssertions(t *testing.T) {
	scenario := mustParse(t, `
name: failing
description: "Expects a delivery that never happens"
config:
  period: 0s
steps:
  - do: send
    hit_type: event
assertions:
  - type: delivered_count
    count: 1
  - type: queued
    count: 1
`)

	result, err := Run(context.Background(), scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "assertion 0")
	assert.Contains(t, result.Errors[0], "1 hits delivered")
	assert.Equal(t, 1, result.Queued)
}

func TestRun_DeliveriesCarryWireParams(t *testing.T) {
	scenario := mustParse(t, `
name: params
description: "Delivered hits are decoded from the wire"
config:
  period: 0s
steps:
  - do: send
    tracker: UA-9-9
    hit_type: social
    fields: { socialNetwork: net, socialAction: like, socialTarget: post }
  - do: dispatch
assertions:
  - type: delivered_count
    count: 1
`)

	result, err := Run(context.Background(), scenario)
	require.NoError(t, err)
	require.True(t, result.Pass, "errors: %v", result.Errors)
	require.Len(t, result.Deliveries, 1)

	d := result.Deliveries[0]
	assert.Equal(t, "social", d.HitType())
	assert.Equal(t, "UA-9-9", d.Params["tid"])
	assert.NotEmpty(t, d.Params["cid"])
	assert.NotEmpty(t, d.Params["z"])
}

func TestTraceEventString(t *testing.T) {
	e := TraceEvent{Seq: 3, Step: "advance 30m", Delivered: []string{"appview", "event"}, Queued: 0}
	assert.Equal(t, "03 advance 30m              delivered=appview,event queued=0", e.String())

	e = TraceEvent{Seq: 12, Step: "send event", Queued: 4}
	assert.Equal(t, "12 send event               delivered=- queued=4", e.String())
}

func TestMatchParams(t *testing.T) {
	actual := map[string]string{"t": "event", "ec": "video"}

	assert.True(t, matchParams(actual, map[string]string{"t": "event"}))
	assert.True(t, matchParams(actual, map[string]string{"t": "event", "ea": ""}))
	assert.False(t, matchParams(actual, map[string]string{"ec": ""}))
	assert.False(t, matchParams(actual, map[string]string{"t": "timing"}))
	assert.False(t, matchParams(actual, map[string]string{"el": "x"}))
}

func mustParse(t *testing.T, src string) *Scenario {
	t.Helper()
	s, err := ParseScenario([]byte(src))
	require.NoError(t, err)
	return s
}
