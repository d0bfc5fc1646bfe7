package fxupload

import (
	"context"
	"time"

	"github.com/derektruong/fxupload/internal/upstate"
)

const (
	// finishedProgress is only reported once every declared byte is
	// validated.
	finishedProgress = 100
	// maxUnfinishedProgress is the highest value reported before that.
	maxUnfinishedProgress = 99.99
)

// Progress describes how far an upload is.
type Progress struct {
	FileID string `json:"fileID"`
	// Percentage is ValidatedBytes/Size*100, an exact 100 is only reported
	// when both are equal
	Percentage float64 `json:"percentage"`
	// ValidatedBytes is the watermark of checksum proven content
	ValidatedBytes int64 `json:"validatedBytes"`
	// Size is the declared size
	Size int64 `json:"size"`
	// InstantRate is the throughput of the running chunk in bytes per second
	InstantRate int64 `json:"instantRate"`
}

// PendingFile is an upload a client can continue.
type PendingFile struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	// Size is the declared size
	Size int64 `json:"size"`
	// ValidatedBytes is the offset the client must resume from, unless
	// the tail up to FileSize is confirmed with VerifyUncheckedTail
	ValidatedBytes int64 `json:"validatedBytes"`
	// FileSize is the current length of the backing file
	FileSize           int64     `json:"fileSize"`
	Progress           float64   `json:"progress"`
	RateKBps           *int64    `json:"rateKBps,omitempty"`
	FirstChunkChecksum string    `json:"firstChunkChecksum,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
}

// Config is what a client needs to continue its uploads.
type Config struct {
	// SliceSize is the chunk size clients should send
	SliceSize int64         `json:"sliceSize"`
	Files     []PendingFile `json:"files"`
}

// progressOf returns current/expected*100, clamped to 99.99 until
// current reaches expected.
func progressOf(current, expected int64) float64 {
	if current >= expected {
		return finishedProgress
	}
	if current <= 0 {
		return 0
	}
	return min(float64(current)/float64(expected)*100, maxUnfinishedProgress)
}

func progressOfRecord(rec upstate.Record, instantRate int64) Progress {
	return Progress{
		FileID:         rec.ID,
		Percentage:     progressOf(rec.ValidatedBytes, rec.Size),
		ValidatedBytes: rec.ValidatedBytes,
		Size:           rec.Size,
		InstantRate:    instantRate,
	}
}

// trackProgress notifies listeners of the progress of every upload with a
// running chunk, each refresh interval and only when it changed.
func (u *uploader) trackProgress(ctx context.Context) {
	ticker := u.clock.NewTicker(u.refreshProgressInterval)
	defer ticker.Stop()

	advertised := make(map[string]float64)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			u.advertiseProgress(advertised)
		}
	}
}

func (u *uploader) advertiseProgress(advertised map[string]float64) {
	seen := make(map[string]struct{})
	u.running.Range(func(key, value any) bool {
		fileID, chunk := key.(string), value.(*runningChunk)
		seen[fileID] = struct{}{}

		rec, ok := u.states.cached(chunk.clientID, fileID)
		if !ok || rec.Completed() {
			return true
		}
		progress := u.progressOf(rec)
		if last, ok := advertised[fileID]; ok && last == progress.Percentage {
			return true
		}
		advertised[fileID] = progress.Percentage
		u.listeners.OnFileUploadProgress(chunk.clientID, progress)
		return true
	})
	for fileID := range advertised {
		if _, ok := seen[fileID]; !ok {
			delete(advertised, fileID)
		}
	}
}
