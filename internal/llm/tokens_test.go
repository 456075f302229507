package llm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 1, EstimateTokens("abcd"))
	assert.Equal(t, 2, EstimateTokens("abcde"))
	assert.Equal(t, 250, EstimateCounter{}.CountTokens(strings.Repeat("x", 1000)))
}

func TestTiktokenCounter(t *testing.T) {
	counter, err := NewTiktokenCounter("")
	require.NoError(t, err)

	assert.Equal(t, 0, counter.CountTokens(""))
	short := counter.CountTokens("Alice: hello there")
	assert.Greater(t, short, 0)

	long := counter.CountTokens(strings.Repeat("Alice: hello there\n\n", 50))
	assert.Greater(t, long, short*10, "count grows with the text")
}

func TestNewTiktokenCounter_UnknownEncoding(t *testing.T) {
	_, err := NewTiktokenCounter("not-an-encoding")
	assert.Error(t, err)
}
