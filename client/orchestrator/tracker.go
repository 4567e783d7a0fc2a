package orchestrator

import (
	"time"

	"github.com/bitrise-io/go-utils/v2/analytics"
)

type batchTracker struct {
	tracker analytics.Tracker
}

func (t batchTracker) logBatchStarted(mode string, itemCount int, totalBytes int64) {
	t.tracker.Enqueue("upload_batch_started", analytics.Properties{
		"mode":        mode,
		"item_count":  itemCount,
		"total_bytes": totalBytes,
	})
}

func (t batchTracker) logItemFinished(mode string, item SelectedItem, took time.Duration) {
	t.tracker.Enqueue("upload_item_finished", analytics.Properties{
		"mode":        mode,
		"status":      item.Status.String(),
		"mime_type":   item.MimeType,
		"size_bytes":  item.SizeBytes,
		"upload_time": took.Truncate(time.Millisecond).Seconds(),
	})
}

func (t batchTracker) logBatchFinished(mode string, state BatchState, took time.Duration) {
	done, failed := 0, 0
	for _, item := range state.Items {
		switch item.Status {
		case Done:
			done++
		case Failed:
			failed++
		}
	}

	t.tracker.Enqueue("upload_batch_finished", analytics.Properties{
		"mode":         mode,
		"done_count":   done,
		"failed_count": failed,
		"upload_time":  took.Truncate(time.Millisecond).Seconds(),
	})
}
