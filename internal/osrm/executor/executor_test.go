package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/qiniu/routeops/internal/osrm/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmit_SameInstanceRunsSequentially(t *testing.T) {
	e := New(0)
	var (
		active  int32
		maxSeen int32
		order   []int
		mu      sync.Mutex
		wg      sync.WaitGroup
	)

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := e.Submit(context.Background(), "car-a", func(context.Context) error {
				n := atomic.AddInt32(&active, 1)
				for {
					m := atomic.LoadInt32(&maxSeen)
					if n <= m || atomic.CompareAndSwapInt32(&maxSeen, m, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				atomic.AddInt32(&active, -1)
				return nil
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxSeen))
	assert.Len(t, order, 8)
	assert.False(t, e.InFlight("car-a"))
	assert.Empty(t, e.Snapshot())
}

func TestSubmit_SecondWaitsForFirst(t *testing.T) {
	e := New(0)
	var firstEnd, secondStart time.Time
	started := make(chan struct{})

	go func() {
		_ = e.Submit(context.Background(), "car-a", func(context.Context) error {
			close(started)
			time.Sleep(100 * time.Millisecond)
			firstEnd = time.Now()
			return nil
		})
	}()
	<-started

	err := e.Submit(context.Background(), "car-a", func(context.Context) error {
		secondStart = time.Now()
		return nil
	})
	require.NoError(t, err)
	assert.False(t, secondStart.Before(firstEnd))
}

func TestSubmit_DifferentInstancesRunConcurrently(t *testing.T) {
	e := New(0)
	var wg sync.WaitGroup
	begin := time.Now()
	for _, name := range []string{"car-a", "bike-a"} {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			_ = e.Submit(context.Background(), name, func(context.Context) error {
				time.Sleep(200 * time.Millisecond)
				return nil
			})
		}(name)
	}
	wg.Wait()
	assert.Less(t, time.Since(begin), 350*time.Millisecond)
}

func TestSubmit_ErrorReleasesSlot(t *testing.T) {
	e := New(0)
	boom := errors.New("extract: exit status 1")

	err := e.Submit(context.Background(), "car-a", func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)

	ran := false
	err = e.Submit(context.Background(), "car-a", func(context.Context) error { ran = true; return nil })
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestSubmit_PanicIsReturnedAsError(t *testing.T) {
	e := New(0)
	err := e.Submit(context.Background(), "car-a", func(context.Context) error { panic("boom") })
	assert.Error(t, err)
	assert.False(t, e.InFlight("car-a"))
}

func TestSubmit_CancelledWaiterKeepsChain(t *testing.T) {
	e := New(0)
	release := make(chan struct{})
	started := make(chan struct{})

	go func() {
		_ = e.Submit(context.Background(), "car-a", func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	ranCancelled := false
	err := e.Submit(ctx, "car-a", func(context.Context) error { ranCancelled = true; return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	thirdDone := make(chan error, 1)
	go func() {
		thirdDone <- e.Submit(context.Background(), "car-a", func(context.Context) error { return nil })
	}()

	close(release)
	select {
	case err := <-thirdDone:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("third submission never ran")
	}
	assert.False(t, ranCancelled)
}

func TestSubmit_OpContextIsDetached(t *testing.T) {
	e := New(0)
	ctx, cancel := context.WithCancel(context.Background())
	err := e.Submit(ctx, "car-a", func(opCtx context.Context) error {
		cancel()
		time.Sleep(10 * time.Millisecond)
		return opCtx.Err()
	})
	assert.NoError(t, err)
}

func TestGo_QueueFull(t *testing.T) {
	e := New(1)
	release := make(chan struct{})
	var results []error
	var mu sync.Mutex
	done := func(err error) {
		mu.Lock()
		results = append(results, err)
		mu.Unlock()
	}

	queued, err := e.Go("car-a", func(context.Context) error { <-release; return nil }, done)
	require.NoError(t, err)
	assert.False(t, queued)

	queued, err = e.Go("car-a", func(context.Context) error { return nil }, done)
	require.NoError(t, err)
	assert.True(t, queued)
	assert.Equal(t, 2, e.Pending("car-a"))

	_, err = e.Go("car-a", func(context.Context) error { return nil }, done)
	assert.ErrorIs(t, err, model.ErrQueueFull)

	// other instances are unaffected
	_, err = e.Go("bike-a", func(context.Context) error { return nil }, done)
	assert.NoError(t, err)

	close(release)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(results) == 3
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(e.Instances()) == 0 }, time.Second, 10*time.Millisecond)
}
