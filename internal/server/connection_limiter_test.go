package server

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGlobalConnectionLimiter_AcquireRelease(t *testing.T) {
	limiter := NewGlobalConnectionLimiter(3)

	assert.True(t, limiter.Acquire())
	assert.True(t, limiter.Acquire())
	assert.True(t, limiter.Acquire())
	assert.Equal(t, int64(3), limiter.Current())

	// At limit
	assert.False(t, limiter.Acquire())
	assert.Equal(t, int64(3), limiter.Current())

	limiter.Release()
	assert.Equal(t, int64(2), limiter.Current())

	assert.True(t, limiter.Acquire())
	assert.Equal(t, int64(3), limiter.Current())
}

func TestGlobalConnectionLimiter_Concurrent(t *testing.T) {
	limiter := NewGlobalConnectionLimiter(100)
	var successCount, failCount int64

	start := make(chan struct{})
	var wg sync.WaitGroup

	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if limiter.Acquire() {
				atomic.AddInt64(&successCount, 1)
			} else {
				atomic.AddInt64(&failCount, 1)
			}
		}()
	}

	close(start)
	wg.Wait()

	assert.Equal(t, int64(100), atomic.LoadInt64(&successCount))
	assert.Equal(t, int64(100), atomic.LoadInt64(&failCount))
	assert.Equal(t, int64(100), limiter.Current())

	for i := 0; i < 100; i++ {
		limiter.Release()
	}
	assert.Equal(t, int64(0), limiter.Current())
}

func TestGlobalConnectionLimiter_ZeroMax(t *testing.T) {
	limiter := NewGlobalConnectionLimiter(0)
	assert.False(t, limiter.Acquire())
}

func TestIPConnectionLimiter_AcquireRelease(t *testing.T) {
	limiter := NewIPConnectionLimiter(2)

	assert.True(t, limiter.Acquire("10.0.0.1"))
	assert.True(t, limiter.Acquire("10.0.0.1"))
	assert.False(t, limiter.Acquire("10.0.0.1"))

	// Other IPs are independent
	assert.True(t, limiter.Acquire("10.0.0.2"))
	assert.Equal(t, 2, limiter.Count("10.0.0.1"))
	assert.Equal(t, 1, limiter.Count("10.0.0.2"))
	assert.Equal(t, 2, limiter.UniqueIPs())

	limiter.Release("10.0.0.1")
	assert.True(t, limiter.Acquire("10.0.0.1"))
}

func TestIPConnectionLimiter_ReleaseRemovesEmptyEntry(t *testing.T) {
	limiter := NewIPConnectionLimiter(4)

	limiter.Acquire("10.0.0.1")
	limiter.Release("10.0.0.1")
	assert.Equal(t, 0, limiter.UniqueIPs())

	// Releasing an unknown IP must not underflow
	limiter.Release("10.0.0.9")
	assert.Equal(t, 0, limiter.Count("10.0.0.9"))
}
