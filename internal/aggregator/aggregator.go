package aggregator

import (
	"fmt"
	"sort"

	"github.com/medhive/flcoordinator/internal/errs"
	"github.com/medhive/flcoordinator/internal/fl"
)

// Combine implements spec.md §4.4: deterministic weighted combination of N
// client model blobs into one aggregated blob. Weights are normalized to
// sum to 1. Statistics-only keys are passed through from the first blob
// rather than averaged. All blobs must agree on their parameter key set, or
// Combine fails errs.SchemaMismatch.
func Combine(blobs []*fl.ModelBlob, weights []float64, strategy fl.AggregationStrategy, trimRatio float64, statsOnly func(key string) bool) (*fl.ModelBlob, error) {
	const op = "Aggregator.Combine"

	if len(blobs) == 0 {
		return nil, errs.E(op, errs.Validation, fmt.Errorf("no blobs provided"))
	}
	if len(weights) != len(blobs) {
		return nil, errs.E(op, errs.Validation, fmt.Errorf("weights/blobs length mismatch"))
	}

	reference := blobs[0].ParamKeySet()
	for i, b := range blobs[1:] {
		if err := ValidateSchema(blobs[0], b); err != nil {
			return nil, errs.E(op, errs.SchemaMismatch, fmt.Errorf("blob %d: %w", i+1, err))
		}
	}

	out := &fl.ModelBlob{
		ModelKind: blobs[0].ModelKind,
		Params:    make(map[string][]float64, len(reference)),
		Shapes:    blobs[0].Shapes,
		StatsKeys: blobs[0].StatsKeys,
	}

	switch strategy {
	case fl.UniformMean, fl.SizeWeightedMean:
		normalized := normalize(weights)
		for _, key := range reference {
			if statsOnly != nil && statsOnly(key) {
				out.Params[key] = append([]float64(nil), blobs[0].Params[key]...)
				continue
			}
			out.Params[key] = weightedMean(blobs, normalized, key)
		}
	case fl.TrimmedMean:
		for _, key := range reference {
			if statsOnly != nil && statsOnly(key) {
				out.Params[key] = append([]float64(nil), blobs[0].Params[key]...)
				continue
			}
			vec, err := trimmedMean(blobs, key, trimRatio)
			if err != nil {
				return nil, errs.E(op, errs.Validation, err)
			}
			out.Params[key] = vec
		}
	default:
		return nil, errs.E(op, errs.Validation, fmt.Errorf("unknown aggregation strategy %q", strategy))
	}

	return out, nil
}

// normalize scales weights to sum to 1. Non-positive weight sets fall back
// to uniform weighting.
func normalize(weights []float64) []float64 {
	var sum float64
	for _, w := range weights {
		sum += w
	}
	out := make([]float64, len(weights))
	if sum <= 0 {
		u := 1.0 / float64(len(weights))
		for i := range out {
			out[i] = u
		}
		return out
	}
	for i, w := range weights {
		out[i] = w / sum
	}
	return out
}

func weightedMean(blobs []*fl.ModelBlob, normalized []float64, key string) []float64 {
	n := len(blobs[0].Params[key])
	sum := make([]float64, n)
	for i, b := range blobs {
		v := b.Params[key]
		for j := 0; j < n && j < len(v); j++ {
			sum[j] += normalized[i] * v[j]
		}
	}
	return sum
}

// trimmedMean drops the outer trimRatio fraction at each tail of every
// per-parameter scalar across clients, then averages the middle (spec.md
// §4.3 finalization job).
func trimmedMean(blobs []*fl.ModelBlob, key string, trimRatio float64) ([]float64, error) {
	if trimRatio < 0 || trimRatio >= 0.5 {
		return nil, fmt.Errorf("trimRatio must be in [0, 0.5), got %v", trimRatio)
	}

	n := len(blobs[0].Params[key])
	out := make([]float64, n)

	for j := 0; j < n; j++ {
		vals := make([]float64, 0, len(blobs))
		for _, b := range blobs {
			v := b.Params[key]
			if j < len(v) {
				vals = append(vals, v[j])
			}
		}
		sort.Float64s(vals)

		k := int(float64(len(vals)) * trimRatio)
		lo, hi := k, len(vals)-k
		if lo >= hi {
			lo, hi = 0, len(vals)
		}
		trimmed := vals[lo:hi]

		var sum float64
		for _, v := range trimmed {
			sum += v
		}
		if len(trimmed) > 0 {
			out[j] = sum / float64(len(trimmed))
		}
	}

	return out, nil
}

// Weights derives aggregation weights for a strategy from participants'
// training metrics, per spec.md §4.3's finalization job.
func Weights(strategy fl.AggregationStrategy, metrics []map[string]any) []float64 {
	weights := make([]float64, len(metrics))
	for i, m := range metrics {
		switch strategy {
		case fl.SizeWeightedMean:
			if m != nil {
				if v, ok := numericField(m, "dataSize"); ok {
					weights[i] = v
					continue
				}
			}
			weights[i] = 1.0
		default:
			weights[i] = 1.0
		}
	}
	return weights
}

func numericField(m map[string]any, key string) (float64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}
