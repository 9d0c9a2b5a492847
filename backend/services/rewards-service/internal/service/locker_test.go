package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLocalLockerSerializesPerKey(t *testing.T) {
	locker := NewLocalLocker()
	ctx := context.Background()

	var inside, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := locker.Acquire(ctx, "user:1")
			require.NoError(t, err)
			defer release()

			n := atomic.AddInt32(&inside, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), peak)
	require.Empty(t, locker.entries)
}

func TestLocalLockerKeysAreIndependent(t *testing.T) {
	locker := NewLocalLocker()
	ctx := context.Background()

	releaseA, err := locker.Acquire(ctx, "a")
	require.NoError(t, err)
	defer releaseA()

	releaseB, err := locker.Acquire(ctx, "b")
	require.NoError(t, err)
	releaseB()
}

func TestLocalLockerHonoursContext(t *testing.T) {
	locker := NewLocalLocker()

	release, err := locker.Acquire(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locker.Acquire(ctx, "k")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release()

	again, err := locker.Acquire(context.Background(), "k")
	require.NoError(t, err)
	again()
	require.Empty(t, locker.entries)
}
