package dispatcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFibonacciBackoffFollowsSequence(t *testing.T) {
	unit := 100 * time.Millisecond
	max := 10 * time.Second
	assert.Equal(t, 100*time.Millisecond, fibonacciBackoff(1, unit, max))
	assert.Equal(t, 100*time.Millisecond, fibonacciBackoff(2, unit, max))
	assert.Equal(t, 200*time.Millisecond, fibonacciBackoff(3, unit, max))
	assert.Equal(t, 300*time.Millisecond, fibonacciBackoff(4, unit, max))
	assert.Equal(t, 500*time.Millisecond, fibonacciBackoff(5, unit, max))
}

func TestFibonacciBackoffCapsAtMax(t *testing.T) {
	got := fibonacciBackoff(30, time.Second, 5*time.Second)
	assert.Equal(t, 5*time.Second, got)
}

func TestShrinkChunkSizeDecreasesWithAttempt(t *testing.T) {
	assert.Equal(t, 1000, shrinkChunkSize(1000, 1))
	assert.Equal(t, 1000, shrinkChunkSize(1000, 2))
	assert.Equal(t, 500, shrinkChunkSize(1000, 3))
	assert.Equal(t, 333, shrinkChunkSize(1000, 4))
	assert.Equal(t, 200, shrinkChunkSize(1000, 5))
}

func TestShrinkChunkSizeFloorsAtOne(t *testing.T) {
	assert.Equal(t, 1, shrinkChunkSize(10, 20))
}
