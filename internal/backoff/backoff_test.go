package backoff_test

import (
	"testing"
	"time"

	"github.com/srg/kiribridge/internal/backoff"
	"github.com/stretchr/testify/assert"
)

func TestNextGrowsByFactor(t *testing.T) {
	p := backoff.New(5*time.Second, 60*time.Second, 1.5, 0)

	assert.Equal(t, 5*time.Second, p.Next())
	assert.Equal(t, 7500*time.Millisecond, p.Next())
	assert.Equal(t, 11250*time.Millisecond, p.Next())
	assert.Equal(t, 3, p.Attempts())
}

func TestNextCapsAtMax(t *testing.T) {
	p := backoff.New(10*time.Second, 15*time.Second, 2.0, 0)

	assert.Equal(t, 10*time.Second, p.Next())
	assert.Equal(t, 15*time.Second, p.Next())
	assert.Equal(t, 15*time.Second, p.Next())
}

func TestResetRestoresInitialDelay(t *testing.T) {
	p := backoff.New(5*time.Second, 60*time.Second, 1.5, 0)

	p.Next()
	p.Next()
	p.Next()
	p.Reset()

	assert.Equal(t, 0, p.Attempts())
	assert.Equal(t, 5*time.Second, p.Next())
}

func TestExhausted(t *testing.T) {
	t.Run("finite cap", func(t *testing.T) {
		p := backoff.New(time.Second, time.Minute, 2.0, 2)

		assert.False(t, p.Exhausted())
		p.Next()
		assert.False(t, p.Exhausted())
		p.Next()
		assert.True(t, p.Exhausted())
	})

	t.Run("unbounded never exhausts", func(t *testing.T) {
		p := backoff.New(time.Second, time.Minute, 2.0, 0)

		for i := 0; i < 100; i++ {
			p.Next()
		}
		assert.False(t, p.Exhausted())
	})

	t.Run("reset clears the cap", func(t *testing.T) {
		p := backoff.New(time.Second, time.Minute, 2.0, 1)

		p.Next()
		assert.True(t, p.Exhausted())
		p.Reset()
		assert.False(t, p.Exhausted())
	})
}

func TestNewAppliesDefaults(t *testing.T) {
	p := backoff.New(0, 0, 0, -1)

	assert.Equal(t, backoff.DefaultInitial, p.Next())
	assert.False(t, p.Exhausted())
}
