package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeepMergeIdentity(t *testing.T) {
	t.Parallel()

	x := map[string]any{
		"a": 1,
		"b": map[string]any{"c": "deep"},
		"d": []any{1, 2, 3},
	}
	got := DeepMerge(x, map[string]any{})
	assert.Equal(t, x, got)
}

func TestDeepMergeDoesNotMutateInputs(t *testing.T) {
	t.Parallel()

	x := map[string]any{"nested": map[string]any{"keep": true}}
	y := map[string]any{"nested": map[string]any{"add": 1}}

	got := DeepMerge(x, y)

	assert.Equal(t, map[string]any{"nested": map[string]any{"keep": true}}, x)
	assert.Equal(t, map[string]any{"nested": map[string]any{"add": 1}}, y)
	assert.Equal(t, map[string]any{"nested": map[string]any{"keep": true, "add": 1}}, got)

	// mutating the result must not leak back
	got["nested"].(map[string]any)["keep"] = false
	assert.Equal(t, true, x["nested"].(map[string]any)["keep"])
}

func TestDeepMergeNestedFieldWise(t *testing.T) {
	t.Parallel()

	base := map[string]any{
		"gateway": map[string]any{"maxBodySize": 1024, "maskOutput": true},
	}
	override := map[string]any{
		"gateway": map[string]any{"maxBodySize": 2048},
	}
	got := DeepMerge(base, override)

	gw := got["gateway"].(map[string]any)
	assert.Equal(t, 2048, gw["maxBodySize"])
	assert.Equal(t, true, gw["maskOutput"])
}

func TestDeepMergeArraysReplaceWholesale(t *testing.T) {
	t.Parallel()

	base := map[string]any{"hosts": []any{"a", "b"}}
	override := map[string]any{"hosts": []any{"c"}}
	got := DeepMerge(base, override)
	assert.Equal(t, []any{"c"}, got["hosts"])
}

func TestDeepMergeScalarOverMap(t *testing.T) {
	t.Parallel()

	base := map[string]any{"v": map[string]any{"x": 1}}
	override := map[string]any{"v": "flat"}
	got := DeepMerge(base, override)
	assert.Equal(t, "flat", got["v"])
}
