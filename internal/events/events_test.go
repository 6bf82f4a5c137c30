package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusFIFO(t *testing.T) {
	b := NewBus(8)
	b.Emit(Log{Text: "a"})
	b.Emit(PostProgress{Total: 2, Processed: 1})
	b.Emit(Finished{Downloaded: 1})
	b.Close()

	var got []Event
	for {
		e, ok := b.Next()
		if !ok {
			break
		}
		got = append(got, e)
	}
	require.Len(t, got, 3)
	assert.Equal(t, Log{Text: "a"}, got[0])
	assert.Equal(t, PostProgress{Total: 2, Processed: 1}, got[1])
	assert.Equal(t, Finished{Downloaded: 1}, got[2])
}

func TestBusDropsOldestProgress(t *testing.T) {
	b := NewBus(3)
	b.Emit(FileProgress{Filename: "f", Downloaded: 1})
	b.Emit(Log{Text: "keep"})
	b.Emit(FileProgress{Filename: "f", Downloaded: 2})
	// Full: the oldest progress event makes room.
	b.Emit(FileProgress{Filename: "f", Downloaded: 3})

	assert.Equal(t, 1, b.Dropped())
	assert.Equal(t, 3, b.Len())

	e, _ := b.Next()
	assert.Equal(t, Log{Text: "keep"}, e)
	e, _ = b.Next()
	assert.Equal(t, int64(2), e.(FileProgress).Downloaded)
	e, _ = b.Next()
	assert.Equal(t, int64(3), e.(FileProgress).Downloaded)
}

func TestBusNeverDropsResults(t *testing.T) {
	b := NewBus(2)
	b.Emit(Log{Text: "1"})
	b.Emit(Log{Text: "2"})

	done := make(chan struct{})
	go func() {
		b.Emit(Finished{Downloaded: 9})
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("result event should block while the bus is full of results")
	case <-time.After(50 * time.Millisecond):
	}

	e, ok := b.Next()
	require.True(t, ok)
	assert.Equal(t, Log{Text: "1"}, e)
	<-done

	e, _ = b.Next()
	assert.Equal(t, Log{Text: "2"}, e)
	e, _ = b.Next()
	assert.Equal(t, Finished{Downloaded: 9}, e)
	assert.Zero(t, b.Dropped())
}

func TestBusProgressDiscardedWhenFullOfResults(t *testing.T) {
	b := NewBus(1)
	b.Emit(Log{Text: "x"})
	b.Emit(PostProgress{Total: 1})
	assert.Equal(t, 1, b.Dropped())
	assert.Equal(t, 1, b.Len())
}

func TestBusConcurrentProducers(t *testing.T) {
	b := NewBus(16)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				b.Emit(Log{Text: "m"})
			}
		}()
	}

	count := 0
	consumed := make(chan struct{})
	go func() {
		for {
			if _, ok := b.Next(); !ok {
				break
			}
			count++
		}
		close(consumed)
	}()

	wg.Wait()
	b.Close()
	<-consumed
	assert.Equal(t, 200, count)
}

func TestRecorder(t *testing.T) {
	r := &Recorder{}
	Logf(r, "warn", "hello")
	require.Len(t, r.Events(), 1)
	assert.Equal(t, Log{Level: "warn", Text: "hello"}, r.Events()[0])
}
