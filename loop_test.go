package wsstream

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoopFIFO(t *testing.T) {
	l := NewLoop()
	defer l.Close()

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})

	for i := 0; i < 100; i++ {
		n := i
		l.Post(func() {
			mu.Lock()
			got = append(got, n)
			mu.Unlock()
			if n == 99 {
				close(done)
			}
		})
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop never drained")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, n := range got {
		if !assert.Equal(t, i, n) {
			return
		}
	}
}

func TestLoopSerializes(t *testing.T) {
	l := NewLoop()
	defer l.Close()

	var running int64
	var overlapped int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		l.Post(func() {
			defer wg.Done()
			if atomic.AddInt64(&running, 1) > 1 {
				atomic.AddInt64(&overlapped, 1)
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt64(&running, -1)
		})
	}
	wg.Wait()
	assert.EqualValues(t, 0, atomic.LoadInt64(&overlapped))
}

func TestLoopClose(t *testing.T) {
	l := NewLoop()
	assert.NoError(t, l.Close())
	// posting after close neither blocks nor runs
	var ran int64
	for i := 0; i < defaultLoopBacklog+10; i++ {
		l.Post(func() { atomic.AddInt64(&ran, 1) })
	}
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 0, atomic.LoadInt64(&ran))
	// Close is idempotent
	assert.NoError(t, l.Close())
}
