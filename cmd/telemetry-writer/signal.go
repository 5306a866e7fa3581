package main

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/c360/telemetryrelay/telemetry"
)

// Signal generator limits
const (
	maxComponents  = 3
	maxAmplitude   = 500.0
	minFrequencyHz = 0.01
	maxFrequencyHz = 1.0
	maxTimeOffset  = 10 * time.Second
	maxValueOffset = 500.0
)

// sine is one component of a generated signal.
type sine struct {
	amplitude   float64
	frequencyHz float64
	timeOffset  time.Duration
}

// sumOfSines is a sum of sine waves shifted by a constant value offset.
type sumOfSines struct {
	components  []sine
	valueOffset float64
}

// newSumOfSines draws a random signal from rng. Each component's amplitude is
// at most the previous one's.
func newSumOfSines(rng *rand.Rand) sumOfSines {
	s := sumOfSines{valueOffset: (rng.Float64()*2 - 1) * maxValueOffset}
	amplitude := maxAmplitude
	for i := 0; i < 1+rng.IntN(maxComponents); i++ {
		amplitude = rng.Float64() * amplitude
		s.components = append(s.components, sine{
			amplitude:   amplitude,
			frequencyHz: minFrequencyHz + rng.Float64()*(maxFrequencyHz-minFrequencyHz),
			timeOffset:  time.Duration(rng.Int64N(int64(maxTimeOffset))),
		})
	}
	return s
}

// at evaluates the signal at t.
func (s sumOfSines) at(t time.Duration) float64 {
	v := s.valueOffset
	for _, c := range s.components {
		v += c.amplitude * math.Sin(2*math.Pi*c.frequencyHz*(t+c.timeOffset).Seconds())
	}
	return v
}

// generator produces batches of one signal per parameter.
type generator struct {
	signals  []sumOfSines
	interval time.Duration
	next     int64
}

func newGenerator(seed uint64, parameters int, interval time.Duration) *generator {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	g := &generator{interval: interval}
	for i := 0; i < parameters; i++ {
		g.signals = append(g.signals, newSumOfSines(rng))
	}
	return g
}

// elapsed is the session time covered by the batches generated so far.
func (g *generator) elapsed() time.Duration {
	return time.Duration(g.next) * g.interval
}

// batch generates the next n samples relative to epochNanos.
func (g *generator) batch(epochNanos int64, n int) *telemetry.Data {
	d := telemetry.NewData(len(g.signals), n)
	d.EpochNanos = epochNanos
	for i := 0; i < n; i++ {
		t := time.Duration(g.next+int64(i)) * g.interval
		d.TimestampsNanos[i] = int64(t)
		for p, s := range g.signals {
			d.Parameters[p].Values[i] = s.at(t)
			d.Parameters[p].Statuses[i] = telemetry.StatusSample
		}
	}
	g.next += int64(n)
	return d
}
