package engine

import (
	"time"

	"gonum.org/v1/gonum/stat"
)

// MeanStdPair is one derived aggregate: sample mean and standard deviation.
type MeanStdPair struct {
	Mean float64
	Std  float64
}

// RawPerfMetrics holds the append-only raw timing samples collected while
// the pipeline runs, before any statistics are derived. Durations are
// reported in milliseconds by the derived getters.
type RawPerfMetrics struct {
	// GenerateDurations holds one sample per Generate call.
	GenerateDurations []time.Duration
	// TokenizationDurations and DetokenizationDurations cover the external
	// tokenizer calls made on behalf of text prompts and text results.
	TokenizationDurations   []time.Duration
	DetokenizationDurations []time.Duration
	// TimesToFirstToken holds one sample per request: submission to first
	// generated token.
	TimesToFirstToken []time.Duration
	// NewTokenTimes records a timestamp per generated token.
	NewTokenTimes []time.Time
	// TokenDurations records the step duration attributed to each output
	// token, the basis for TPOT and throughput.
	TokenDurations []time.Duration
	// BatchSizes records the number of sequences scheduled per step.
	BatchSizes []int

	NumGeneratedTokens int
	NumInputTokens     int
}

// PerfMetrics exposes mean/standard-deviation pairs derived from
// RawPerfMetrics. Derived values are cached and recomputed only after new
// raw samples arrive or two metrics objects are merged.
type PerfMetrics struct {
	Raw RawPerfMetrics

	loadTime time.Duration

	dirty           bool
	ttft            MeanStdPair
	tpot            MeanStdPair
	throughput      MeanStdPair
	generate        MeanStdPair
	tokenization    MeanStdPair
	detokenization  MeanStdPair
}

// NewPerfMetrics returns an empty metrics collector.
func NewPerfMetrics() *PerfMetrics {
	return &PerfMetrics{dirty: true}
}

func durationsToMs(ds []time.Duration) []float64 {
	out := make([]float64, len(ds))
	for i, d := range ds {
		out[i] = float64(d.Nanoseconds()) / 1e6
	}
	return out
}

// meanStd aggregates samples, returning a zero standard deviation for
// fewer than two samples.
func meanStd(samples []float64) MeanStdPair {
	if len(samples) == 0 {
		return MeanStdPair{}
	}
	pair := MeanStdPair{Mean: stat.Mean(samples, nil)}
	if len(samples) > 1 {
		pair.Std = stat.StdDev(samples, nil)
	}
	return pair
}

// evaluate recomputes every cached aggregate from the raw samples.
func (m *PerfMetrics) evaluate() {
	if !m.dirty {
		return
	}
	m.ttft = meanStd(durationsToMs(m.Raw.TimesToFirstToken))
	m.tpot = meanStd(durationsToMs(m.Raw.TokenDurations))
	m.generate = meanStd(durationsToMs(m.Raw.GenerateDurations))
	m.tokenization = meanStd(durationsToMs(m.Raw.TokenizationDurations))
	m.detokenization = meanStd(durationsToMs(m.Raw.DetokenizationDurations))

	// Throughput samples invert the per-token durations (tokens/second).
	var tput []float64
	for _, d := range m.Raw.TokenDurations {
		if s := d.Seconds(); s > 0 {
			tput = append(tput, 1.0/s)
		}
	}
	m.throughput = meanStd(tput)
	m.dirty = false
}

// GetTTFT returns the mean and standard deviation of time-to-first-token, ms.
func (m *PerfMetrics) GetTTFT() MeanStdPair { m.evaluate(); return m.ttft }

// GetTPOT returns the mean and standard deviation of time-per-output-token,
// ms/token.
func (m *PerfMetrics) GetTPOT() MeanStdPair { m.evaluate(); return m.tpot }

// GetThroughput returns the mean and standard deviation of generation
// throughput, tokens/s.
func (m *PerfMetrics) GetThroughput() MeanStdPair { m.evaluate(); return m.throughput }

// GetGenerateDuration returns the mean and standard deviation of Generate
// call durations, ms.
func (m *PerfMetrics) GetGenerateDuration() MeanStdPair { m.evaluate(); return m.generate }

// GetTokenizationDuration returns the mean and standard deviation of
// tokenizer encode durations, ms.
func (m *PerfMetrics) GetTokenizationDuration() MeanStdPair { m.evaluate(); return m.tokenization }

// GetDetokenizationDuration returns the mean and standard deviation of
// tokenizer decode durations, ms.
func (m *PerfMetrics) GetDetokenizationDuration() MeanStdPair { m.evaluate(); return m.detokenization }

// GetLoadTime returns the recorded pipeline load time in milliseconds.
func (m *PerfMetrics) GetLoadTime() float64 {
	return float64(m.loadTime.Microseconds()) / 1000.0
}

// SetLoadTime records the pipeline construction/load duration.
func (m *PerfMetrics) SetLoadTime(d time.Duration) { m.loadTime = d }

// GetNumGeneratedTokens returns the total number of generated tokens.
func (m *PerfMetrics) GetNumGeneratedTokens() int { return m.Raw.NumGeneratedTokens }

// GetNumInputTokens returns the total number of prompt tokens.
func (m *PerfMetrics) GetNumInputTokens() int { return m.Raw.NumInputTokens }

// recordStep appends one step's samples: the step duration is attributed to
// each token produced in it.
func (m *PerfMetrics) recordStep(batchSize, newTokens int, stepDuration time.Duration, now time.Time) {
	m.Raw.BatchSizes = append(m.Raw.BatchSizes, batchSize)
	for i := 0; i < newTokens; i++ {
		m.Raw.TokenDurations = append(m.Raw.TokenDurations, stepDuration)
		m.Raw.NewTokenTimes = append(m.Raw.NewTokenTimes, now)
	}
	m.Raw.NumGeneratedTokens += newTokens
	m.dirty = true
}

// recordFirstToken appends a time-to-first-token sample.
func (m *PerfMetrics) recordFirstToken(d time.Duration) {
	m.Raw.TimesToFirstToken = append(m.Raw.TimesToFirstToken, d)
	m.dirty = true
}

// recordGenerate appends one Generate call duration.
func (m *PerfMetrics) recordGenerate(d time.Duration) {
	m.Raw.GenerateDurations = append(m.Raw.GenerateDurations, d)
	m.dirty = true
}

// recordTokenization and recordDetokenization time the external tokenizer.
func (m *PerfMetrics) recordTokenization(d time.Duration, tokens int) {
	m.Raw.TokenizationDurations = append(m.Raw.TokenizationDurations, d)
	m.Raw.NumInputTokens += tokens
	m.dirty = true
}

func (m *PerfMetrics) recordDetokenization(d time.Duration) {
	m.Raw.DetokenizationDurations = append(m.Raw.DetokenizationDurations, d)
	m.dirty = true
}

// recordInputTokens counts prompt tokens submitted directly as ids.
func (m *PerfMetrics) recordInputTokens(n int) {
	m.Raw.NumInputTokens += n
	m.dirty = true
}

// Merge concatenates another collector's raw samples into this one and
// drops all cached aggregates.
func (m *PerfMetrics) Merge(other *PerfMetrics) {
	m.Raw.GenerateDurations = append(m.Raw.GenerateDurations, other.Raw.GenerateDurations...)
	m.Raw.TokenizationDurations = append(m.Raw.TokenizationDurations, other.Raw.TokenizationDurations...)
	m.Raw.DetokenizationDurations = append(m.Raw.DetokenizationDurations, other.Raw.DetokenizationDurations...)
	m.Raw.TimesToFirstToken = append(m.Raw.TimesToFirstToken, other.Raw.TimesToFirstToken...)
	m.Raw.NewTokenTimes = append(m.Raw.NewTokenTimes, other.Raw.NewTokenTimes...)
	m.Raw.TokenDurations = append(m.Raw.TokenDurations, other.Raw.TokenDurations...)
	m.Raw.BatchSizes = append(m.Raw.BatchSizes, other.Raw.BatchSizes...)
	m.Raw.NumGeneratedTokens += other.Raw.NumGeneratedTokens
	m.Raw.NumInputTokens += other.Raw.NumInputTokens
	m.dirty = true
}
