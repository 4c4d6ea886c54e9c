package clock

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNowMonotonic(t *testing.T) {
	a := Now()
	b := Now()
	assert.True(t, a.Before(b) || a == b, "clock must never run backwards")
}

func TestAddSub(t *testing.T) {
	base := Time(1000)
	advanced := base.Add(500 * Nanosecond)
	assert.Equal(t, Duration(500), advanced.Sub(base))
	assert.True(t, advanced.After(base))
}

func TestSeconds(t *testing.T) {
	assert.Equal(t, 2*Second, Seconds(2))
	assert.Equal(t, Second/2, Seconds(0.5))
}
