package stats

import (
	"math"
	"slices"

	"github.com/shopspring/decimal"
)

// Statistic names.
const (
	StatMin     = "min"
	StatMax     = "max"
	StatMean    = "mean"
	StatMedian  = "median"
	StatStdDev  = "std_dev"
	StatSamples = "samples"
)

// Operator computes one statistic over a non-empty, ascending-sorted sample.
// To add a statistic: implement Operator and register it in Operators.
type Operator func(sorted []float64) float64

// Operators is the registry of supported statistics.
var Operators = map[string]Operator{
	StatMin:     func(s []float64) float64 { return s[0] },
	StatMax:     func(s []float64) float64 { return s[len(s)-1] },
	StatMean:    Mean,
	StatMedian:  Median,
	StatStdDev:  StdDev,
	StatSamples: func(s []float64) float64 { return float64(len(s)) },
}

// DefaultStatistics is the attribute set written for each geohash cell.
var DefaultStatistics = []string{StatMin, StatMax, StatMean, StatMedian, StatStdDev, StatSamples}

// ValidStatistic reports whether name is a registered statistic.
func ValidStatistic(name string) bool {
	_, ok := Operators[name]
	return ok
}

// Summary holds every registered statistic for one sample.
type Summary struct {
	Min     float64
	Max     float64
	Mean    float64
	Median  float64
	StdDev  float64
	Samples int
}

// Summarize computes a Summary. ok is false for an empty sample.
func Summarize(values []float64) (summary Summary, ok bool) {
	if len(values) == 0 {
		return Summary{}, false
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	return Summary{
		Min:     Operators[StatMin](sorted),
		Max:     Operators[StatMax](sorted),
		Mean:    Mean(sorted),
		Median:  Median(sorted),
		StdDev:  StdDev(sorted),
		Samples: len(sorted),
	}, true
}

// Compute evaluates the named statistics over values. Unknown names are skipped.
func Compute(values []float64, names []string) map[string]float64 {
	if len(values) == 0 {
		return nil
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	out := make(map[string]float64, len(names))
	for _, name := range names {
		if op, ok := Operators[name]; ok {
			out[name] = op(sorted)
		}
	}
	return out
}

// Mean is the arithmetic mean. The sum is accumulated in decimal so long
// samples of pressure values do not drift.
func Mean(values []float64) float64 {
	sum := decimal.Zero
	for _, v := range values {
		sum = sum.Add(decimal.NewFromFloat(v))
	}
	return sum.Div(decimal.NewFromInt(int64(len(values)))).InexactFloat64()
}

// Median is the element at index len/2 of the sorted sample, the upper middle for even lengths.
func Median(sorted []float64) float64 {
	return sorted[len(sorted)/2]
}

// StdDev is the population standard deviation, two-pass.
func StdDev(values []float64) float64 {
	mean := Mean(values)
	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(values)))
}
