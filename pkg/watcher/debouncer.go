package watcher

import (
	"context"
	"time"

	"github.com/ritzau/buildwatch/pkg/logging"
	"github.com/ritzau/buildwatch/pkg/model"
)

// Debouncer batches rapid file system events so that one logical edit is
// handled once
type Debouncer struct {
	input       <-chan model.ChangedPath
	output      chan []model.ChangedPath
	quietPeriod time.Duration
	maxWait     time.Duration
}

// NewDebouncer creates a new event debouncer. A batch is flushed after
// quietPeriod without events, or maxWait after its first event.
func NewDebouncer(input <-chan model.ChangedPath, quietPeriod, maxWait time.Duration) *Debouncer {
	return &Debouncer{
		input:       input,
		output:      make(chan []model.ChangedPath, 10),
		quietPeriod: quietPeriod,
		maxWait:     maxWait,
	}
}

// Start begins processing events with debouncing
func (d *Debouncer) Start(ctx context.Context) {
	go d.run(ctx)
}

// run processes events and applies debouncing logic
func (d *Debouncer) run(ctx context.Context) {
	defer close(d.output)

	var (
		quiet       = stoppedTimer()
		maxWait     = stoppedTimer()
		accumulated []model.ChangedPath
	)

	flush := func() {
		quiet.Stop()
		maxWait.Stop()
		if len(accumulated) == 0 {
			return
		}

		batch := NormalizeChanges(accumulated)
		logging.Debug("Flushing accumulated changes", "events", len(accumulated), "changes", len(batch))
		accumulated = nil
		if len(batch) == 0 {
			return
		}
		select {
		case d.output <- batch:
		case <-ctx.Done():
		}
	}

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-d.input:
			if !ok {
				flush()
				return
			}

			if len(accumulated) == 0 {
				maxWait.Reset(d.maxWait)
			}
			accumulated = append(accumulated, event)
			quiet.Reset(d.quietPeriod)

		case <-quiet.C:
			flush()

		case <-maxWait.C:
			flush()
		}
	}
}

// Output returns the channel of debounced, normalized change batches
func (d *Debouncer) Output() <-chan []model.ChangedPath {
	return d.output
}

func stoppedTimer() *time.Timer {
	t := time.NewTimer(time.Hour)
	t.Stop()
	return t
}
