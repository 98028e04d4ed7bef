package main

import (
	"encoding/json"
	"testing"

	natspkg "github.com/brojonat/vialytics/service/nats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func movementJSON(t *testing.T, event natspkg.MovementEvent) []byte {
	t.Helper()
	data, err := json.Marshal(event)
	require.NoError(t, err)
	return data
}

func TestMatchesAll(t *testing.T) {
	source := "W1"
	event := movementJSON(t, natspkg.MovementEvent{
		Signature: "sig-1",
		Account:   "W1",
		Mint:      "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
		Amount:    -200,
		Decimals:  6,
		UIAmount:  "-0.0002",
		Direction: "out",
		Source:    &source,
	})

	tests := []struct {
		name        string
		filters     []string
		expectMatch bool
		expectErr   bool
	}{
		{
			name:        "no filters match everything",
			expectMatch: true,
		},
		{
			name:        "direction match",
			filters:     []string{`.direction == "out"`},
			expectMatch: true,
		},
		{
			name:        "direction mismatch",
			filters:     []string{`.direction == "in"`},
			expectMatch: false,
		},
		{
			name:        "all filters must hold",
			filters:     []string{`.direction == "out"`, `.amount < -500`},
			expectMatch: false,
		},
		{
			name:        "mint and source",
			filters:     []string{`.mint | startswith("EPjF")`, `.source == "W1"`},
			expectMatch: true,
		},
		{
			name:        "null result is falsy",
			filters:     []string{`.destination`},
			expectMatch: false,
		},
		{
			name:        "non-boolean result is truthy",
			filters:     []string{`.signature`},
			expectMatch: true,
		},
		{
			name:        "runtime error counts as no match",
			filters:     []string{`.amount | ascii_downcase`},
			expectMatch: false,
			expectErr:   true,
		},
		{
			name:        "empty result counts as no match",
			filters:     []string{`empty`},
			expectMatch: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			codes, err := compileFilters(tt.filters)
			require.NoError(t, err)

			matched, err := matchesAll(codes, event)
			if tt.expectErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.expectMatch, matched)
		})
	}
}

func TestMatchesAll_InvalidDocument(t *testing.T) {
	codes, err := compileFilters([]string{`.direction == "in"`})
	require.NoError(t, err)

	matched, err := matchesAll(codes, []byte("not-json"))
	assert.Error(t, err)
	assert.False(t, matched)
}

func TestCompileFilters_InvalidExpression(t *testing.T) {
	_, err := compileFilters([]string{`.direction ==`})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse jq filter")
}

func TestIsTruthy(t *testing.T) {
	assert.False(t, isTruthy(nil))
	assert.False(t, isTruthy(false))
	assert.True(t, isTruthy(true))
	assert.True(t, isTruthy(0))
	assert.True(t, isTruthy(""))
	assert.True(t, isTruthy(map[string]interface{}{}))
}
