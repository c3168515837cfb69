package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExponentialDelayDoublesUntilCap(t *testing.T) {
	t.Parallel()

	p := NewExponential(100*time.Millisecond, time.Second, false)
	require.Equal(t, 100*time.Millisecond, p.Delay(0))
	require.Equal(t, 200*time.Millisecond, p.Delay(1))
	require.Equal(t, 800*time.Millisecond, p.Delay(3))
	require.Equal(t, time.Second, p.Delay(4))
	require.Equal(t, time.Second, p.Delay(5000))
	require.Equal(t, 100*time.Millisecond, p.Delay(-2))
}

func TestExponentialJitterStaysInRange(t *testing.T) {
	t.Parallel()

	p := NewExponential(100*time.Millisecond, time.Second, true)
	for i := 0; i < 100; i++ {
		d := p.Delay(2)
		require.GreaterOrEqual(t, d, 200*time.Millisecond)
		require.Less(t, d, 400*time.Millisecond)
	}
}

func TestNewExponentialDefaults(t *testing.T) {
	t.Parallel()

	p := NewExponential(0, 0, false)
	require.Equal(t, defaultBase, p.Delay(0))
	require.Equal(t, defaultMax, p.Max())

	inverted := NewExponential(time.Second, time.Millisecond, false)
	require.Equal(t, time.Second, inverted.Max())
}
