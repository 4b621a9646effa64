package consensus

import (
	"time"
)

import (
	"github.com/cactus/go-statsd-client/v5/statsd"
)

// the subset of statsd.Statter used by the consensus
// package, any statsd.Statter satisfies it
type Statter interface {
	Inc(stat string, value int64, rate float32, tags ...statsd.Tag) error
	Gauge(stat string, value int64, rate float32, tags ...statsd.Tag) error
	Timing(stat string, delta int64, rate float32, tags ...statsd.Tag) error
}

var _ Statter = statsd.Statter(nil)

type noopStatter struct{}

func (noopStatter) Inc(string, int64, float32, ...statsd.Tag) error    { return nil }
func (noopStatter) Gauge(string, int64, float32, ...statsd.Tag) error  { return nil }
func (noopStatter) Timing(string, int64, float32, ...statsd.Tag) error { return nil }

func NewNoopStatter() Statter {
	return noopStatter{}
}

type statsRecorder struct {
	stats Statter
}

func (s statsRecorder) statsInc(stat string, delta int64) error {
	return s.stats.Inc(stat, delta, 1.0)
}

func (s statsRecorder) statsGauge(stat string, value int64) error {
	return s.stats.Gauge(stat, value, 1.0)
}

func (s statsRecorder) statsTiming(stat string, start time.Time) error {
	end := time.Now()
	delta := end.Sub(start) / time.Millisecond
	return s.stats.Timing(stat, int64(delta), 1.0)
}
