package dedup

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKey(t *testing.T) {
	tests := []struct {
		name   string
		folder string
		file   string
		want   string
	}{
		{"Root", "", "Image.JPG", "image.jpg"},
		{"Nested", "Artist/Post A", "01.png", "artist/post a/01.png"},
		{"Backslashes", `Artist\Post`, "01.png", "artist/post/01.png"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Key(tt.folder, tt.file))
		})
	}
}

func TestReserveCommitRelease(t *testing.T) {
	r := NewRegistry()
	k := Key("a", "x.jpg")

	assert.True(t, r.ReserveFilename(k))
	assert.False(t, r.ReserveFilename(k), "in-flight name must not be handed out twice")
	assert.True(t, r.IsTaken(k))

	r.ReleaseFilename(k)
	assert.False(t, r.IsTaken(k))
	assert.True(t, r.ReserveFilename(k))

	r.CommitFilename(k)
	assert.False(t, r.ReserveFilename(k))
	n, _ := r.Counts()
	assert.Equal(t, 1, n)
}

func TestCheckAndRecordHash(t *testing.T) {
	r := NewRegistry()
	dup, rec := r.CheckAndRecordHash("ABC")
	assert.False(t, dup)
	assert.True(t, rec)

	dup, rec = r.CheckAndRecordHash("abc")
	assert.True(t, dup)
	assert.False(t, rec)

	r.ForgetHash("abc")
	dup, _ = r.CheckAndRecordHash("abc")
	assert.False(t, dup)
}

func TestSeedAndReset(t *testing.T) {
	r := NewRegistry()
	r.SeedHashes([]string{"h1", "", "H2"})
	_, h := r.Counts()
	assert.Equal(t, 2, h)

	dup, _ := r.CheckAndRecordHash("h2")
	assert.True(t, dup)

	r.CommitFilename("f")
	r.Reset()
	f, h := r.Counts()
	assert.Zero(t, f)
	assert.Zero(t, h)
}

func TestConcurrentReserve(t *testing.T) {
	r := NewRegistry()
	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.ReserveFilename("same") {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}
