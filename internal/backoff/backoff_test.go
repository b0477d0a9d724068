package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelayGrowthAndCap(t *testing.T) {
	p := Policy{Base: 2 * time.Second, Cap: 5 * time.Minute}

	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 4*time.Second, p.Delay(2))
	assert.Equal(t, 8*time.Second, p.Delay(3))
	assert.Equal(t, 5*time.Minute, p.Delay(20))
	// Attempt zero or below behaves like the first attempt.
	assert.Equal(t, 2*time.Second, p.Delay(0))
}

func TestDelayJitterBounds(t *testing.T) {
	p := Default()

	for attempt := 1; attempt <= 10; attempt++ {
		nominal := Policy{Base: p.Base, Cap: p.Cap}.Delay(attempt)
		for i := 0; i < 50; i++ {
			d := p.Delay(attempt)
			lo := time.Duration(float64(nominal) * (1 - p.Jitter))
			hi := time.Duration(float64(nominal) * (1 + p.Jitter))
			assert.GreaterOrEqual(t, d, lo)
			assert.LessOrEqual(t, d, hi)
		}
	}
}
