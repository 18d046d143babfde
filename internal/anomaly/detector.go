// Package anomaly flags response times that deviate from a service's
// recent baseline using a rolling z-score.
package anomaly

import (
	"math"

	"github.com/pulsewatch/pulsewatch/internal/monitor"
)

// HistoryLimit is how many recent up latencies callers should load.
const HistoryLimit = 50

// Config configures the z-score detector.
type Config struct {
	// Window is the number of trailing history points used for the baseline.
	// Default: 20
	Window int

	// Threshold is the absolute z-score above which a sample is anomalous.
	// Default: 3
	Threshold float64

	// MinHistory is the minimum number of history points required.
	// Default: 2
	MinHistory int
}

// DefaultConfig returns the default detector configuration.
func DefaultConfig() Config {
	return Config{
		Window:     20,
		Threshold:  3,
		MinHistory: 2,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Window <= 0 {
		c.Window = def.Window
	}
	if c.Threshold <= 0 {
		c.Threshold = def.Threshold
	}
	if c.MinHistory <= 0 {
		c.MinHistory = def.MinHistory
	}
	return c
}

// Result is the detector verdict for one sample.
type Result struct {
	Detected bool
	Type     monitor.AnomalyType
	Score    float64
	Mean     float64
	StdDev   float64
}

// Detect scores sample against the trailing window of history, which must
// be in chronological order. A flat baseline never yields an anomaly.
func Detect(sample float64, history []float64, cfg Config) Result {
	cfg = cfg.withDefaults()

	if len(history) < cfg.MinHistory {
		return Result{}
	}
	if len(history) > cfg.Window {
		history = history[len(history)-cfg.Window:]
	}

	mean, stddev := meanStdDev(history)
	res := Result{Mean: mean, StdDev: stddev}
	if stddev == 0 {
		return res
	}

	z := (sample - mean) / stddev
	res.Score = round2(math.Abs(z))
	if math.Abs(z) <= cfg.Threshold {
		return res
	}

	res.Detected = true
	switch {
	case z > 0:
		res.Type = monitor.AnomalySpike
	case z < 0:
		res.Type = monitor.AnomalySlowdown
	default:
		res.Type = monitor.AnomalyUnknown
	}
	return res
}

// meanStdDev returns the mean and population standard deviation.
func meanStdDev(values []float64) (float64, float64) {
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(values)))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
