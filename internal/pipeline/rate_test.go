package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRateCheck(t *testing.T) {
	// 190 kbps AAC from 48 kHz mono 16-bit PCM
	expected := 190_000.0 / (48_000 * 1 * 16)

	tests := []struct {
		name      string
		bytesIn   int64
		bytesOut  int64
		anomalous bool
	}{
		{"exact", 1_000_000, int64(expected * 1_000_000), false},
		{"just inside upper bound", 1_000_000, int64(expected * 1.09 * 1_000_000), false},
		{"just inside lower bound", 1_000_000, int64(expected * 0.91 * 1_000_000), false},
		{"too much output", 1_000_000, int64(expected * 1.2 * 1_000_000), true},
		{"too little output", 1_000_000, int64(expected * 0.5 * 1_000_000), true},
		{"no input", 0, 100, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := RateCheck(190_000, 48_000, 1, 16, tt.bytesIn, tt.bytesOut)
			assert.InDelta(t, expected, r.Expected, 1e-9)
			assert.Equal(t, tt.anomalous, r.Anomalous, r.String())
		})
	}
}

func TestRateCheck_DegenerateFormat(t *testing.T) {
	r := RateCheck(190_000, 0, 1, 16, 1000, 1000)
	assert.Zero(t, r.Expected)
	assert.Equal(t, 1.0, r.Actual)
	assert.False(t, r.Anomalous)
	assert.Zero(t, r.Deviation())
}

func TestRateReport_Deviation(t *testing.T) {
	r := RateReport{Expected: 0.25, Actual: 0.3}
	assert.InDelta(t, 0.2, r.Deviation(), 1e-9)
}
