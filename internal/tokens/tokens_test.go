package tokens

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTiktoken_Singleton(t *testing.T) {
	a, err := NewTiktoken()
	require.NoError(t, err)
	b, err := NewTiktoken()
	require.NoError(t, err)
	assert.Same(t, a, b)
}

func TestTiktoken_Count(t *testing.T) {
	c, err := NewTiktoken()
	require.NoError(t, err)

	tests := []struct {
		name     string
		text     string
		min, max int
	}{
		{"empty", "", 0, 0},
		{"greeting", "Hello, world!", 3, 5},
		{"sentence", "The quick brown fox jumps over the lazy dog.", 8, 12},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Count(tt.text)
			assert.GreaterOrEqual(t, got, tt.min)
			assert.LessOrEqual(t, got, tt.max)
		})
	}
}

func TestEstimate(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"hi", 1},
		{strings.Repeat("a", 400), 100},
		{strings.Repeat("é", 40), 10},
	}
	for _, tt := range tests {
		if got := Estimate(tt.text); got != tt.want {
			t.Errorf("Estimate(%d chars): expected %d, got %d", len(tt.text), tt.want, got)
		}
	}
}

func TestCounterFunc(t *testing.T) {
	var c Counter = CounterFunc(func(s string) int { return len(s) })
	if got := c.Count("abcd"); got != 4 {
		t.Errorf("expected 4, got %d", got)
	}
}
