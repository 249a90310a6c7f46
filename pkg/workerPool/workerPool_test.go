package workerpool

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroup_Collect(t *testing.T) {
	wp := NewWorkerPool(Config{WorkerCount: 4})
	defer wp.Close()

	g := wp.NewGroup(20)
	for i := 0; i < 20; i++ {
		i := i
		require.NoError(t, g.Submit(func() interface{} { return i * i }))
	}

	results := g.Collect()
	require.Len(t, results, 20)

	got := make([]int, len(results))
	for i, r := range results {
		got[i] = r.(int)
	}
	sort.Ints(got)
	for i := range got {
		assert.Equal(t, i*i, got[i])
	}
}

func TestGroup_BufferFull(t *testing.T) {
	wp := NewWorkerPool(Config{WorkerCount: 1})
	defer wp.Close()

	g := wp.NewGroup(1)
	require.NoError(t, g.Submit(func() interface{} { return 1 }))
	// the first result occupies the only slot
	assert.Eventually(t, func() bool { return len(g.resultChan) == 1 }, timeout, tick)
	assert.Error(t, g.Submit(func() interface{} { return 2 }))
	assert.Len(t, g.Collect(), 1)
}

func TestWorkerPool_Close(t *testing.T) {
	wp := NewWorkerPool(Config{WorkerCount: 1})
	wp.Close()
	wp.Close()

	err := wp.NewGroup(1).Submit(func() interface{} { return nil })
	assert.ErrorIs(t, err, ErrPoolClosed)
}

const (
	timeout = 2 * time.Second
	tick    = 5 * time.Millisecond
)
