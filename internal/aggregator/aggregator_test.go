package aggregator

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/medhive/flcoordinator/internal/fl"
)

func blob(params map[string][]float64) *fl.ModelBlob {
	return &fl.ModelBlob{ModelKind: "test", Params: params}
}

func TestCombineUniformMeanHappyPath(t *testing.T) {
	a := blob(map[string][]float64{"w": {1.0, 3.0}})
	b := blob(map[string][]float64{"w": {3.0, 5.0}})

	out, err := Combine([]*fl.ModelBlob{a, b}, []float64{1, 1}, fl.UniformMean, 0, nil)
	require.NoError(t, err)
	require.InDeltaSlice(t, []float64{2.0, 4.0}, out.Params["w"], 1e-9)
}

func TestCombineSizeWeightedMean(t *testing.T) {
	a := blob(map[string][]float64{"w": {0.0}})
	b := blob(map[string][]float64{"w": {4.0}})

	weights := Weights(fl.SizeWeightedMean, []map[string]any{
		{"dataSize": 10.0},
		{"dataSize": 30.0},
	})
	require.InDeltaSlice(t, []float64{10.0, 30.0}, weights, 1e-9)

	out, err := Combine([]*fl.ModelBlob{a, b}, weights, fl.SizeWeightedMean, 0, nil)
	require.NoError(t, err)
	require.InDeltaSlice(t, []float64{3.0}, out.Params["w"], 1e-9)
}

func TestCombineSchemaMismatchFails(t *testing.T) {
	a := blob(map[string][]float64{"A": {1}, "B": {2}})
	b := blob(map[string][]float64{"A": {1}, "C": {2}})

	_, err := Combine([]*fl.ModelBlob{a, b}, []float64{1, 1}, fl.UniformMean, 0, nil)
	require.Error(t, err)
}

func TestCombineStatisticsOnlyKeyPassedThrough(t *testing.T) {
	a := blob(map[string][]float64{"w": {1.0}, "bn_mean": {42.0}})
	b := blob(map[string][]float64{"w": {3.0}, "bn_mean": {99.0}})

	statsOnly := func(key string) bool { return key == "bn_mean" }

	out, err := Combine([]*fl.ModelBlob{a, b}, []float64{1, 1}, fl.UniformMean, 0, statsOnly)
	require.NoError(t, err)
	require.InDeltaSlice(t, []float64{2.0}, out.Params["w"], 1e-9)
	require.InDeltaSlice(t, []float64{42.0}, out.Params["bn_mean"], 1e-9)
}

func TestCombineTrimmedMeanDropsOutliers(t *testing.T) {
	a := blob(map[string][]float64{"w": {0.0}})
	b := blob(map[string][]float64{"w": {10.0}})
	c := blob(map[string][]float64{"w": {100.0}})
	d := blob(map[string][]float64{"w": {12.0}})

	out, err := Combine([]*fl.ModelBlob{a, b, c, d}, []float64{1, 1, 1, 1}, fl.TrimmedMean, 0.25, nil)
	require.NoError(t, err)
	require.InDeltaSlice(t, []float64{11.0}, out.Params["w"], 1e-9)
}

func TestCombineRejectsEmptyInput(t *testing.T) {
	_, err := Combine(nil, nil, fl.UniformMean, 0, nil)
	require.Error(t, err)
}

func TestValidateSchemaDetectsMismatch(t *testing.T) {
	ref := blob(map[string][]float64{"A": {1}, "B": {2}})
	mismatched := blob(map[string][]float64{"A": {1}, "C": {2}})
	matching := blob(map[string][]float64{"A": {5}, "B": {6}})

	require.Error(t, ValidateSchema(ref, mismatched))
	require.NoError(t, ValidateSchema(ref, matching))
}

func TestRegistryStatisticsOnlyAndEmptyModel(t *testing.T) {
	reg := NewRegistry()
	reg.Register("pneumonia", ModelKindEntry{
		EmptyModel:         func() *fl.ModelBlob { return blob(map[string][]float64{"w": {0}}) },
		StatisticsOnlyKeys: []string{"bn_mean"},
	})

	require.True(t, reg.IsStatisticsOnly("pneumonia", "bn_mean"))
	require.False(t, reg.IsStatisticsOnly("pneumonia", "w"))
	require.False(t, reg.IsStatisticsOnly("unknown-kind", "bn_mean"))

	model, err := reg.NewEmptyModel("pneumonia")
	require.NoError(t, err)
	require.Equal(t, []float64{0}, model.Params["w"])

	_, err = reg.NewEmptyModel("unknown-kind")
	require.Error(t, err)
}
