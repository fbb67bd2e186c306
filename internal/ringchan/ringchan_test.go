package ringchan

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendReceive(t *testing.T) {
	rc := New[int](4)

	assert.False(t, rc.Send(1))
	assert.False(t, rc.Send(2))

	v, ok := rc.Receive()
	require.True(t, ok)
	assert.Equal(t, 1, v)

	v, ok = rc.Receive()
	require.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestSendDropsOldestWhenFull(t *testing.T) {
	rc := New[int](2)

	assert.False(t, rc.Send(1))
	assert.False(t, rc.Send(2))
	assert.True(t, rc.Send(3), "full ring MUST report a displaced element")

	v, _ := rc.Receive()
	assert.Equal(t, 2, v, "oldest element MUST have been displaced")
	v, _ = rc.Receive()
	assert.Equal(t, 3, v)

	m := rc.GetMetrics()
	assert.Equal(t, int64(3), m.Written)
	assert.Equal(t, int64(1), m.Overwritten)
	assert.Equal(t, int64(2), m.Processed)
}

func TestTrySendFullRing(t *testing.T) {
	rc := New[string](1)

	assert.True(t, rc.TrySend("a"))
	assert.False(t, rc.TrySend("b"), "TrySend MUST NOT displace")

	v, ok := rc.Receive()
	require.True(t, ok)
	assert.Equal(t, "a", v)
}

func TestTryReceiveEmpty(t *testing.T) {
	rc := New[int](1)

	v, ok := rc.TryReceive()
	assert.False(t, ok)
	assert.Zero(t, v)
}

func TestCloseDrainsRemaining(t *testing.T) {
	rc := New[int](4)
	rc.Send(1)
	rc.Send(2)
	rc.Close()

	v, ok := rc.Receive()
	require.True(t, ok)
	assert.Equal(t, 1, v)
	v, ok = rc.Receive()
	require.True(t, ok)
	assert.Equal(t, 2, v)

	_, ok = rc.Receive()
	assert.False(t, ok, "closed drained ring MUST report not-ok")
}

func TestLenCap(t *testing.T) {
	rc := New[int](3)
	assert.Equal(t, 3, rc.Cap())
	assert.Equal(t, 0, rc.Len())

	rc.Send(1)
	assert.Equal(t, 1, rc.Len())
}

func TestNewPanicsOnZeroCapacity(t *testing.T) {
	assert.Panics(t, func() { New[int](0) })
}

func TestConcurrentProducersNeverBlock(t *testing.T) {
	const producers = 8
	const perProducer = 100

	rc := New[int](4)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				rc.Send(i)
			}
		}()
	}
	wg.Wait()

	m := rc.GetMetrics()
	assert.Equal(t, int64(producers*perProducer), m.Written)
	// Everything not still buffered was displaced.
	assert.Equal(t, m.Written-int64(rc.Len()), m.Overwritten)
}
