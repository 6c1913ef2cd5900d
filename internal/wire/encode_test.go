package wire

import (
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
)

func newGoldie(t *testing.T) *goldie.Goldie {
	t.Helper()
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

func TestEncodeParams_SortedAndEscaped(t *testing.T) {
	got := EncodeParams(map[string]string{
		"dp": "/a b?c=d&e",
		"t":  "pageview",
		"ul": "",
	})
	assert.Equal(t, "dp=%2Fa+b%3Fc%3Dd%26e&t=pageview&ul=", got)
}

func TestEncodeParams_NormalizesToNFC(t *testing.T) {
	composed := EncodeParams(map[string]string{"cd1": "caf\u00e9"})
	decomposed := EncodeParams(map[string]string{"cd1": "cafe\u0301"})
	assert.Equal(t, composed, decomposed)
	assert.Equal(t, "cd1=caf%C3%A9", composed)
}

func TestEncodeParams_Empty(t *testing.T) {
	assert.Equal(t, "", EncodeParams(nil))
}

func TestDecodeParams_RoundTripsEncoded(t *testing.T) {
	in := map[string]string{"el": "Intro Clip", "dp": "/x?y=1"}
	assert.Equal(t, in, DecodeParams(EncodeParams(in)))
	assert.Equal(t, map[string]string{"a": "1"}, DecodeParams("a=1&&b=%zz"))
}

func TestPostProcess(t *testing.T) {
	tests := []struct {
		name     string
		hitTime  int64
		now      int64
		expected string
	}{
		{"queue time appended", 1000, 1600, "t=event&qt=600&z=9"},
		{"zero queue time kept", 1000, 1000, "t=event&qt=0&z=9"},
		{"future hit skips qt", 2000, 1000, "t=event&z=9"},
		{"unknown time skips qt", 0, 1000, "t=event&z=9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, PostProcess("t=event", tt.hitTime, 9, tt.now))
		})
	}
}

func TestHitWire_EmptyParams(t *testing.T) {
	assert.Equal(t, "", Hit{ID: 1, Time: 5}.Wire(10))
	assert.Equal(t, "v=1&qt=5&z=1", Hit{ID: 1, Time: 5, Params: "v=1"}.Wire(10))
}

func TestGolden_EventHit(t *testing.T) {
	hit := map[string]string{
		"hitType":           "event",
		"trackingId":        "UA-12345-1",
		"clientId":          "35009a79-1a05-49d7-b876-2b884d0f825b",
		"eventCategory":     "video",
		"eventAction":       "play",
		"eventLabel":        "Intro Clip",
		"eventValue":        "42",
		"nonInteraction":    "false",
		"sampleRate":        "50",
		"language":          "en-us",
		"customDimension*1": "cafe\u0301",
		"&_u":               ".Bo",
		"apiVersion":        "1",
		"unknownField":      "dropped",
	}
	params := Format(loadDict(t), hit)
	wire := Hit{ID: 7, Time: 1000, Params: EncodeParams(params)}.Wire(1500)

	newGoldie(t).Assert(t, "event_hit", []byte(wire))
}

func TestGolden_AppViewHitWithVersion(t *testing.T) {
	hit := map[string]string{
		"hitType":    "appview",
		"trackingId": "UA-1-1",
		"clientId":   "0",
		"appName":    "Beacon Demo",
		"page":       "/home?ref=mail",
	}
	params := Format(loadDict(t), hit)
	ApplyVersion(params, DefaultCommands())
	wire := PostProcess(EncodeParams(params), 0, 12, 99)

	newGoldie(t).Assert(t, "appview_hit", []byte(wire))
}
