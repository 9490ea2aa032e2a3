package pipeline

import (
	"fmt"
	"math"
)

// RateTolerance is the accepted relative deviation of the actual from the
// expected compression ratio.
const RateTolerance = 0.10

// RateReport compares the compression ratio the bitrate implies with the one
// observed over a drain.
type RateReport struct {
	// Expected is bitrate / (sampleRate * channels * bitsPerSample).
	Expected float64
	// Actual is bytesOut / bytesIn.
	Actual float64
	// Anomalous is set when Actual is outside Expected +/- RateTolerance.
	Anomalous bool
}

// String returns a printable summary of the report.
func (r RateReport) String() string {
	return fmt.Sprintf("expected %.4f actual %.4f anomalous=%t", r.Expected, r.Actual, r.Anomalous)
}

// Deviation returns the relative deviation of Actual from Expected.
func (r RateReport) Deviation() float64 {
	if r.Expected == 0 {
		return 0
	}
	return math.Abs(r.Actual-r.Expected) / r.Expected
}

// RateCheck computes a RateReport. No input or a degenerate format yields a
// zero, non-anomalous report.
func RateCheck(bitRate, sampleRate, channels, bitsPerSample int, bytesIn, bytesOut int64) RateReport {
	var r RateReport
	if denom := float64(sampleRate) * float64(channels) * float64(bitsPerSample); denom > 0 {
		r.Expected = float64(bitRate) / denom
	}
	if bytesIn > 0 {
		r.Actual = float64(bytesOut) / float64(bytesIn)
	}
	if r.Expected == 0 || bytesIn == 0 {
		return r
	}
	r.Anomalous = r.Actual < r.Expected*(1-RateTolerance) || r.Actual > r.Expected*(1+RateTolerance)
	return r
}
