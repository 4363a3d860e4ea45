package mathx

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClamp(t *testing.T) {
	assert.Equal(t, 5, Clamp(9, 0, 5))
	assert.Equal(t, 0, Clamp(-3, 5, 0))
	assert.Equal(t, 2.5, Clamp(2.5, 0, 5))
	assert.Equal(t, time.Second, Clamp(time.Hour, 0, time.Second))
}

func TestBetween(t *testing.T) {
	assert.True(t, Between(5.0, 5, 10))
	assert.True(t, Between(7, 10, 5))
	assert.False(t, Between(11, 5, 10))
	assert.True(t, Between(1e9, math.Inf(-1), math.Inf(1)))
	assert.False(t, Between(math.NaN(), 0, 1))
}

func TestMinMax(t *testing.T) {
	assert.Equal(t, -1, Min(-1, 3))
	assert.Equal(t, "b", Max("a", "b"))
}
