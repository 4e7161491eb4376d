package canonical_test

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keboola/osiris-sub003/internal/common/canonical"
	"github.com/keboola/osiris-sub003/internal/core"
)

func TestMarshal(t *testing.T) {
	t.Run("SortsMapKeys", func(t *testing.T) {
		data, err := canonical.Marshal(map[string]any{
			"b": 1,
			"a": 2,
			"c": map[string]any{"z": true, "y": nil},
		})
		require.NoError(t, err)
		assert.Equal(t, `{"a":2,"b":1,"c":{"y":null,"z":true}}`, string(data))
	})

	t.Run("PreservesSequenceOrder", func(t *testing.T) {
		data, err := canonical.Marshal([]any{"c", "a", "b"})
		require.NoError(t, err)
		assert.Equal(t, `["c","a","b"]`, string(data))
	})

	t.Run("IntegralFloatsEqualInts", func(t *testing.T) {
		a, err := canonical.Marshal(map[string]any{"n": 3})
		require.NoError(t, err)
		b, err := canonical.Marshal(map[string]any{"n": float64(3)})
		require.NoError(t, err)
		assert.Equal(t, string(a), string(b))
	})

	t.Run("RejectsNaN", func(t *testing.T) {
		_, err := canonical.Marshal(map[string]any{"n": math.NaN()})
		assert.ErrorIs(t, err, core.ErrCanonFloat)
	})

	t.Run("RejectsInf", func(t *testing.T) {
		_, err := canonical.Marshal([]any{math.Inf(1)})
		assert.ErrorIs(t, err, core.ErrCanonFloat)
	})

	t.Run("BinaryAsBase64", func(t *testing.T) {
		data, err := canonical.Marshal(map[string]any{"blob": []byte{0x01, 0x02}})
		require.NoError(t, err)
		assert.Equal(t, `{"blob":"AQI="}`, string(data))
	})
}

// Fingerprints must survive a parse of their own canonical form.
func TestFingerprintRoundTrip(t *testing.T) {
	values := []any{
		map[string]any{"a": 1, "b": []any{"x", "y"}, "c": map[string]any{"k": 1.5}},
		[]any{nil, true, false, "s", 42, 3.25},
		map[string]any{"nested": map[string]any{"deep": []any{map[string]any{"z": 0}}}},
	}
	for _, v := range values {
		fp1, err := canonical.Fingerprint(v)
		require.NoError(t, err)

		data, err := canonical.Marshal(v)
		require.NoError(t, err)
		var parsed any
		require.NoError(t, json.Unmarshal(data, &parsed))

		fp2, err := canonical.Fingerprint(parsed)
		require.NoError(t, err)
		assert.Equal(t, fp1, fp2)
	}
}

func TestFingerprintShape(t *testing.T) {
	fp, err := canonical.Fingerprint(map[string]any{"a": 1})
	require.NoError(t, err)
	assert.Regexp(t, "^[0-9a-f]{64}$", fp)
}
