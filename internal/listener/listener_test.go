package listener

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soyeahso/unibox/internal/logging"
)

func newRegistry() *Registry {
	return NewRegistry(16, logging.New(nil, "silent"))
}

func TestStartIsIdempotent(t *testing.T) {
	r := newRegistry()
	defer r.StopAll()

	var detached atomic.Int32
	assert.True(t, r.Start("A", func() { detached.Add(1) }))
	assert.False(t, r.Start("A", func() { detached.Add(100) }))
	assert.True(t, r.Running("A"))

	r.Stop("A")
	r.Stop("A")
	assert.EqualValues(t, 1, detached.Load())
	assert.False(t, r.Running("A"))
}

func TestStopUnknownIsSafe(t *testing.T) {
	r := newRegistry()
	assert.NotPanics(t, func() { r.Stop("nobody") })
	assert.False(t, r.Submit("nobody", func() {}))
}

func TestPerAccountFIFO(t *testing.T) {
	r := newRegistry()
	defer r.StopAll()
	r.Start("A", nil)
	r.Start("B", nil)

	var mu sync.Mutex
	got := map[string][]int{}
	var wg sync.WaitGroup
	for i := range 100 {
		for _, acct := range []string{"A", "B"} {
			wg.Add(1)
			require.True(t, r.Submit(acct, func() {
				defer wg.Done()
				mu.Lock()
				got[acct] = append(got[acct], i)
				mu.Unlock()
			}))
		}
	}
	wg.Wait()

	for _, acct := range []string{"A", "B"} {
		require.Len(t, got[acct], 100)
		for i, v := range got[acct] {
			assert.Equal(t, i, v)
		}
	}
}

func TestStopDropsQueuedJobs(t *testing.T) {
	r := newRegistry()
	r.Start("A", nil)

	block := make(chan struct{})
	var ran atomic.Int32
	r.Submit("A", func() { <-block })
	for range 5 {
		r.Submit("A", func() { ran.Add(1) })
	}
	r.Stop("A")
	close(block)

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, ran.Load())
	assert.False(t, r.Submit("A", func() {}))
}

func TestPanicDoesNotKillWorker(t *testing.T) {
	r := newRegistry()
	defer r.StopAll()
	r.Start("A", nil)

	done := make(chan struct{})
	r.Submit("A", func() { panic("bad event") })
	r.Submit("A", func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker died after panic")
	}
}

func TestAccountsSorted(t *testing.T) {
	r := newRegistry()
	defer r.StopAll()
	r.Start("b", nil)
	r.Start("a", nil)
	assert.Equal(t, []string{"a", "b"}, r.Accounts())
	r.StopAll()
	assert.Empty(t, r.Accounts())
}
