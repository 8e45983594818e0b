package canonical

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStableHashKeyOrderIndependent(t *testing.T) {
	a := map[string]any{"b": 2, "a": 1, "c": []any{1, 2, 3}}
	b := map[string]any{"c": []any{1, 2, 3}, "a": 1, "b": 2}

	ha, err := StableHash(a)
	require.NoError(t, err)

	hb, err := StableHash(b)
	require.NoError(t, err)

	assert.Equal(t, ha, hb)
	assert.Len(t, ha, 64)
}

func TestStableHashDistinguishesValues(t *testing.T) {
	ha, err := StableHash(map[string]any{"a": 1})
	require.NoError(t, err)

	hb, err := StableHash(map[string]any{"a": 2})
	require.NoError(t, err)

	assert.NotEqual(t, ha, hb)
}

func TestStableHashRejectsNaN(t *testing.T) {
	_, err := StableHash(map[string]any{"a": math.NaN()})
	assert.ErrorIs(t, err, ErrNonFinite)
}

func TestStableHashRejectsInf(t *testing.T) {
	_, err := StableHash([]any{math.Inf(1)})
	assert.ErrorIs(t, err, ErrNonFinite)
}

func TestStableHashNormalizesTimeAndBytes(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	h1, err := StableHash(map[string]any{"t": ts})
	require.NoError(t, err)

	h2, err := StableHash(map[string]any{"t": ts.Format(time.RFC3339Nano)})
	require.NoError(t, err)

	assert.Equal(t, h1, h2)

	b1, err := StableHash(map[string]any{"b": []byte("hi")})
	require.NoError(t, err)

	b2, err := StableHash(map[string]any{"b": "aGk="})
	require.NoError(t, err)

	assert.Equal(t, b1, b2)
}

func TestStableHashStructUsesJSONTags(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
		N    int    `json:"n"`
	}

	h1, err := StableHash(payload{Name: "x", N: 1})
	require.NoError(t, err)

	h2, err := StableHash(map[string]any{"name": "x", "n": 1})
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
}

func TestNewIDIsHex32(t *testing.T) {
	id := NewID()
	assert.Len(t, id, 32)

	for _, r := range id {
		assert.True(t, (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f'), "unexpected rune %q", r)
	}
}
