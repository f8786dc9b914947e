package util

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMPSCQueueFIFO(t *testing.T) {
	q := NewMPSCQueue[int]()
	defer q.Close()

	for i := 0; i < 10; i++ {
		require.True(t, q.Push(i))
	}

	for i := 0; i < 10; i++ {
		select {
		case v := <-q.Recv():
			assert.Equal(t, i, v)
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for value %d", i)
		}
	}

	select {
	case v := <-q.Recv():
		t.Errorf("queue should be empty, got %d", v)
	case <-time.After(10 * time.Millisecond):
	}
}

func TestMPSCQueueConcurrentProducers(t *testing.T) {
	q := NewMPSCQueue[int]()
	defer q.Close()

	const producers = 8
	const perProducer = 1000

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Push(p*perProducer + i)
			}
		}(p)
	}

	// per producer order must be kept
	last := make([]int, producers)
	for i := range last {
		last[i] = -1
	}

	seen := make(map[int]bool, producers*perProducer)
	for len(seen) < producers*perProducer {
		select {
		case v := <-q.Recv():
			require.False(t, seen[v], "duplicate value %d", v)
			seen[v] = true
			p, i := v/perProducer, v%perProducer
			require.Greater(t, i, last[p], "reordered values of producer %d", p)
			last[p] = i
		case <-time.After(5 * time.Second):
			t.Fatalf("timeout after %d values", len(seen))
		}
	}
	wg.Wait()
}

func TestMPSCQueueCloseDrains(t *testing.T) {
	q := NewMPSCQueue[string]()
	require.True(t, q.Push("a"))
	require.True(t, q.Push("b"))

	q.Close()
	assert.True(t, q.IsClosed())
	assert.False(t, q.Push("c"), "push after close must fail")

	var got []string
	for v := range q.Recv() {
		got = append(got, v)
	}
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestMPSCQueueLen(t *testing.T) {
	q := NewMPSCQueue[int]()
	defer q.Close()

	assert.Equal(t, 0, q.Len())
	q.Push(1)
	q.Push(2)
	q.Push(3)

	assert.Equal(t, 3, q.Len())

	<-q.Recv()
	<-q.Recv()
	<-q.Recv()
	assert.Eventually(t, func() bool { return q.Len() == 0 }, time.Second, time.Millisecond)
}

func BenchmarkMPSCQueue(b *testing.B) {
	q := NewMPSCQueue[int]()
	defer q.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < b.N; i++ {
			<-q.Recv()
		}
		close(done)
	}()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		q.Push(i)
	}
	<-done
}
