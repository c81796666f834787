package oneshot

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompleteWinsOnce(t *testing.T) {
	r := New[int]()
	assert.True(t, r.Complete(1))
	assert.False(t, r.Complete(2))
	assert.False(t, r.Fail(errors.New("late")))
	assert.False(t, r.Cancel())

	v, err := r.Get()
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestFail(t *testing.T) {
	r := New[string]()
	boom := errors.New("boom")
	assert.True(t, r.Fail(boom))

	_, err := r.Get()
	assert.ErrorIs(t, err, boom)
}

func TestConcurrentSettlement(t *testing.T) {
	r := New[int]()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var won bool
			switch i % 3 {
			case 0:
				won = r.Complete(i)
			case 1:
				won = r.Fail(errors.New("x"))
			default:
				won = r.Cancel()
			}
			if won {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestOnCancelHooks(t *testing.T) {
	r := New[int]()
	var ran atomic.Int32
	r.OnCancel(func() { ran.Add(1) })

	require.True(t, r.Cancel())
	assert.Equal(t, int32(1), ran.Load())

	// Registered after cancellation, the hook runs immediately.
	r.OnCancel(func() { ran.Add(1) })
	assert.Equal(t, int32(2), ran.Load())
}

func TestOnCancelNotRunOnCompletion(t *testing.T) {
	r := New[int]()
	var ran atomic.Int32
	r.OnCancel(func() { ran.Add(1) })

	require.True(t, r.Complete(7))
	assert.Equal(t, int32(0), ran.Load())
}

func TestAwait(t *testing.T) {
	r := New[int]()
	go func() {
		time.Sleep(10 * time.Millisecond)
		r.Complete(42)
	}()
	v, err := r.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestAwaitContextCancelled(t *testing.T) {
	r := New[int]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Await(ctx)
	assert.Error(t, err)

	// The result itself is cancelled, so late completions lose.
	assert.False(t, r.Complete(1))
	_, err = r.Get()
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestDoneClosedOnSettlement(t *testing.T) {
	r := New[int]()
	select {
	case <-r.Done():
		t.Fatal("done closed before settlement")
	default:
	}
	r.Fail(errors.New("x"))
	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("done not closed after settlement")
	}
}
