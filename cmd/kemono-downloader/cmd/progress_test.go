package cmd

import (
	"bytes"
	"testing"

	"go-kemono-download/internal/events"
	"go-kemono-download/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestProgressStateApply(t *testing.T) {
	var s progressState

	line, live := s.apply(events.Log{Level: "warn", Text: "slow down"})
	assert.Equal(t, "WARN  slow down", line)
	assert.Empty(t, live)

	_, live = s.apply(events.PostProgress{Total: 10, Processed: 3})
	assert.Equal(t, "Posts 3/10 | files 0 ok, 0 failed", live)

	_, live = s.apply(events.FileProgress{Filename: "a.jpg", Downloaded: 1024, Total: 2048, SpeedBps: 512})
	assert.Contains(t, live, "a.jpg 1.00KB / 2.00KB 512.00B/s")

	_, live = s.apply(events.FileProgress{Filename: "b.mp4", Chunks: []events.ChunkStatus{
		{Downloaded: 1024, Total: 2048, Active: true},
		{Downloaded: 2048, Total: 2048},
	}})
	assert.Contains(t, live, "b.mp4 3.00KB / 4.00KB [1 parts]")

	_, live = s.apply(events.FileSucceeded{Entry: models.HistoryEntry{Filename: "a.jpg"}})
	assert.Contains(t, live, "files 1 ok")

	line, _ = s.apply(events.FileFailedPermanent{Failure: models.Failure{
		Job:    models.DownloadJob{TargetFilename: "c.zip"},
		Reason: "http 404",
	}})
	assert.Equal(t, "FAIL  c.zip (http 404)", line)

	line, _ = s.apply(events.ExternalLink{PostTitle: "Pack", LinkText: "here", URL: "https://mega.nz/file/x#k", Platform: "mega", Key: "k"})
	assert.Equal(t, "LINK  [mega] Pack: here https://mega.nz/file/x#k (key: k)", line)

	line, live = s.apply(events.Finished{Downloaded: 4, Skipped: 1, Cancelled: true, KeptOriginalNames: []string{"x.png"}})
	assert.Equal(t, "Finished: 4 downloaded, 1 skipped (cancelled)\nKept original names: x.png", line)
	assert.NotContains(t, live, "b.mp4")
}

func TestProgressDrainsBus(t *testing.T) {
	var out bytes.Buffer
	bus := events.NewBus(8)
	p := startProgress(bus, &out)

	bus.Emit(events.Log{Level: "info", Text: "hello"})
	bus.Emit(events.Finished{Downloaded: 2})
	p.AwaitFinished()
	bus.Close()
	p.Wait()

	assert.Contains(t, out.String(), "INFO  hello")
	assert.Contains(t, out.String(), "Finished: 2 downloaded, 0 skipped")
}
