package textmatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubstring_MatchesInsideWords(t *testing.T) {
	assert.True(t, Substring.Contains("my phosphate is high", "ph"))
	assert.True(t, Substring.Contains("ph 7.4", "ph"))
	assert.False(t, Substring.Contains("hello", ""))
	assert.False(t, Substring.Contains("", "ph"))
}

func TestBoundary_ShortPhrases(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"ph 7.4", true},
		{"ph7.4", true},
		{"my ph is low", true},
		{"(ph) reading", true},
		{"phosphate is high", false},
		{"check the graph", false},
		{"graph then ph 7.2", true},
		{"alpha", false},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, Boundary.Contains(tt.text, "ph"))
		})
	}
}

func TestBoundary_LongPhrasesStaySubstring(t *testing.T) {
	assert.True(t, Boundary.Contains("stabilizers", "stabilizer"))
	assert.True(t, Boundary.Contains("15000gallons", "gallon"))
}

func TestBoundary_NonASCIIPhrase(t *testing.T) {
	assert.True(t, Boundary.Contains("it is 78°f today", "°f"))
	assert.False(t, Boundary.Contains("78°fahrenheit", "°f"))
}

func TestWord_WholeWordsAndPlurals(t *testing.T) {
	tests := []struct {
		text   string
		phrase string
		want   bool
	}{
		{"my pool is green", "pool", true},
		{"both pools are green", "pool", true},
		{"the pool's filter", "pool", true},
		{"is liverpool playing tonight?", "pool", false},
		{"poolside bar menu", "pool", false},
		{"which laptop should i buy", "ich", false},
		{"my fish has ich", "ich", true},
		{"a good space documentary", "spa", false},
		{"capital of spain", "spa", false},
		{"spas need bromine", "spa", true},
		{"the graph is wrong", "ph is", false},
		{"the ph is 7.2", "ph is", true},
		{"two fishes", "fish", true},
		{"going fishing", "fish", false},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, Word.Contains(tt.text, tt.phrase))
		})
	}
}

func TestContainsAny(t *testing.T) {
	assert.True(t, Substring.ContainsAny("hot tub foam", []string{"spa", "hot tub"}))
	assert.False(t, Substring.ContainsAny("weather", nil))
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "my pool is green", Normalize([]string{"My POOL", "is Green"}))
	assert.Equal(t, "", Normalize(nil))
}

func TestModeString(t *testing.T) {
	assert.Equal(t, "substring", Substring.String())
	assert.Equal(t, "boundary", Boundary.String())
	assert.Equal(t, "word", Word.String())
}
