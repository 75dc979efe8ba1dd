package main

import (
	"context"
	"time"

	"github.com/quillreader/quill-core/internal/lifecycle"
	"github.com/quillreader/quill-core/internal/taskqueue"
)

// builtinOperations returns the operation registry for API submissions.
// Each body simulates its kind's work in small cancellable steps so the
// daemon is exercisable without the reading-app collaborators attached.
func builtinOperations() map[lifecycle.Kind]taskqueue.Operation {
	return map[lifecycle.Kind]taskqueue.Operation{
		lifecycle.KindFeedSync:    steppedOperation(8, 250*time.Millisecond, "Fetching feeds"),
		lifecycle.KindImportOPML:  steppedOperation(4, 200*time.Millisecond, "Importing subscriptions"),
		lifecycle.KindExportOPML:  steppedOperation(2, 100*time.Millisecond, "Writing OPML"),
		lifecycle.KindReaderBuild: steppedOperation(3, 150*time.Millisecond, "Extracting article"),
		lifecycle.KindSummary:     steppedOperation(6, 500*time.Millisecond, "Generating summary"),
		lifecycle.KindTranslation: steppedOperation(6, 500*time.Millisecond, "Translating"),
	}
}

func steppedOperation(steps int, stepDelay time.Duration, message string) taskqueue.Operation {
	return func(ctx context.Context, run *taskqueue.RunContext) error {
		for i := 1; i <= steps; i++ {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(stepDelay):
			}
			run.ReportProgress(float64(i)/float64(steps), message)
		}
		return nil
	}
}
