// Package runner drives a watch session: evaluate, register the watch-set,
// wait for changes and re-evaluate when the trigger says the evaluation is
// stale.
package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/ritzau/buildwatch/pkg/evaluation"
	"github.com/ritzau/buildwatch/pkg/graph"
	"github.com/ritzau/buildwatch/pkg/logging"
	"github.com/ritzau/buildwatch/pkg/model"
	"github.com/ritzau/buildwatch/pkg/pubsub"
	"github.com/ritzau/buildwatch/pkg/trigger"
	"github.com/ritzau/buildwatch/pkg/watcher"
)

// ErrWatcherClosed is returned when the change stream ends before the context
var ErrWatcherClosed = errors.New("file watcher closed")

// Evaluator produces evaluation results
type Evaluator interface {
	Evaluate(ctx context.Context, root graph.Root, opts evaluation.Options) (*evaluation.Result, error)
	// Invalidate drops cached state for a file that changed on disk
	Invalidate(path string) bool
}

// Watcher delivers changes for the paths registered with it
type Watcher interface {
	evaluation.FileWatcher
	Events() <-chan model.ChangedPath
	Reset()
}

// Reporter publishes the progress of the session, see web.Server
type Reporter interface {
	SetResult(r *evaluation.Result)
	PublishStatus(status pubsub.EvaluationStatus) error
	PublishChanges(batch pubsub.ChangeBatch) error
}

// Options configures a session
type Options struct {
	Root        graph.Root
	Evaluation  evaluation.Options
	QuietPeriod time.Duration
	MaxWait     time.Duration
	// ReevaluateAlways makes every accepted change stale
	ReevaluateAlways bool
	// OnChange is called with accepted changes that did not invalidate the evaluation
	OnChange func(ctx context.Context, changes []trigger.ChangedFile)
}

// Runner orchestrates the watch session
type Runner struct {
	evaluator Evaluator
	watcher   Watcher
	reporter  Reporter
	trigger   *trigger.Trigger
	opts      Options
}

// New creates a runner. reporter may be nil.
func New(evaluator Evaluator, w Watcher, reporter Reporter, opts Options) *Runner {
	if reporter == nil {
		reporter = nopReporter{}
	}
	if opts.OnChange == nil {
		opts.OnChange = logChanges
	}
	return &Runner{
		evaluator: evaluator,
		watcher:   w,
		reporter:  reporter,
		trigger:   trigger.New(opts.ReevaluateAlways),
		opts:      opts,
	}
}

// Trigger returns the trigger tracking the current evaluation
func (r *Runner) Trigger() *trigger.Trigger {
	return r.trigger
}

// Run evaluates and re-evaluates until ctx is done. A failed evaluation is
// retried after the next accepted change. Returns ctx.Err() on cancellation.
func (r *Runner) Run(ctx context.Context) error {
	d := watcher.NewDebouncer(r.watcher.Events(), r.opts.QuietPeriod, r.opts.MaxWait)
	d.Start(ctx)
	batches := d.Output()

	reason := "initial evaluation"
	for {
		if err := r.evaluate(ctx, reason); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.watchAfterFailure(err)
		}

		var err error
		if reason, err = r.waitForStale(ctx, batches); err != nil {
			return err
		}
	}
}

// evaluate runs one evaluation and registers its watch-set on success. On
// failure the last good result and its registrations are kept.
func (r *Runner) evaluate(ctx context.Context, reason string) error {
	if last := r.trigger.Result(); last != nil {
		// Build files edited without a notification are still cached
		for _, p := range last.ModifiedBuildFiles() {
			r.evaluator.Invalidate(p)
		}
	}

	logging.Info("Evaluating projects", "root", r.opts.Root.Path, "reason", reason)
	r.publish(pubsub.EvaluationStatus{State: "evaluating", Message: reason})

	started := time.Now()
	res, err := r.evaluator.Evaluate(ctx, r.opts.Root, r.opts.Evaluation)
	if err != nil {
		if ctx.Err() == nil {
			logging.Error("Evaluation failed", "root", r.opts.Root.Path, "error", err)
			r.publish(pubsub.EvaluationStatus{
				State:   "failed",
				Message: err.Error(),
				Elapsed: time.Since(started).Round(time.Millisecond).String(),
			})
		}
		return err
	}

	r.trigger.Evaluated(res)
	r.reporter.SetResult(res)
	r.watcher.Reset()
	res.WatchFiles(r.watcher)

	r.publish(pubsub.EvaluationStatus{
		State:    "valid",
		Message:  "Watching for changes",
		Projects: res.Graph.Len(),
		Files:    len(res.Files),
		Failed:   res.Failed,
		Elapsed:  time.Since(started).Round(time.Millisecond).String(),
	})
	if len(res.Failed) > 0 {
		logging.Warn("Some projects failed to evaluate", "projects", res.Failed)
	}
	return nil
}

// watchAfterFailure makes sure some change can trigger a retry. Without a
// previous result nothing is watched yet, so the tree of the root is.
func (r *Runner) watchAfterFailure(err error) {
	if r.trigger.Result() != nil {
		logging.Info("Keeping the last successful evaluation, waiting for a file change")
		return
	}
	dir := rootDirectory(r.opts.Root.Path)
	logging.Info("Waiting for a file change to retry", "directory", dir, "error", err)
	r.watcher.Reset()
	r.watcher.WatchContainingDirectories([]string{dir + string(filepath.Separator)}, true, nil)
	r.publish(pubsub.EvaluationStatus{State: "waiting", Message: "Waiting for a file change to retry"})
}

// waitForStale consumes change batches until one makes the evaluation stale
func (r *Runner) waitForStale(ctx context.Context, batches <-chan []model.ChangedPath) (string, error) {
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()

		case batch, ok := <-batches:
			if !ok {
				if ctx.Err() != nil {
					return "", ctx.Err()
				}
				return "", ErrWatcherClosed
			}

			state, accepted := r.trigger.Observe(batch)
			if len(accepted) == 0 {
				continue
			}
			for _, c := range accepted {
				r.evaluator.Invalidate(c.Path)
			}
			r.publishChanges(accepted, state)

			if state == trigger.StaleNeedsReevaluation {
				return r.trigger.Reason(), nil
			}
			r.opts.OnChange(ctx, accepted)
		}
	}
}

func (r *Runner) publish(status pubsub.EvaluationStatus) {
	if err := r.reporter.PublishStatus(status); err != nil {
		logging.Debug("Failed to publish status", "state", status.State, "error", err)
	}
}

func (r *Runner) publishChanges(changes []trigger.ChangedFile, state trigger.State) {
	batch := pubsub.ChangeBatch{Stale: state == trigger.StaleNeedsReevaluation}
	for _, c := range changes {
		data := pubsub.ChangeData{Path: c.Path, Kind: c.Kind.String(), AssetURL: c.AssetURL}
		if c.Item != nil {
			data.Projects = c.Item.ProjectPaths
		}
		batch.Changes = append(batch.Changes, data)
	}
	if err := r.reporter.PublishChanges(batch); err != nil {
		logging.Debug("Failed to publish changes", "error", err)
	}
}

// rootDirectory returns the directory to watch for a root that failed to load
func rootDirectory(root string) string {
	abs, err := filepath.Abs(root)
	if err != nil {
		abs = filepath.Clean(root)
	}
	if info, err := os.Stat(abs); err == nil && info.IsDir() {
		return abs
	}
	return filepath.Dir(abs)
}

func logChanges(ctx context.Context, changes []trigger.ChangedFile) {
	for _, c := range changes {
		switch {
		case c.AssetURL != "":
			logging.InfoContext(ctx, "Static asset changed", "path", c.Path, "kind", c.Kind, "url", c.AssetURL)
		case c.Item != nil:
			logging.InfoContext(ctx, "File changed", "path", c.Path, "kind", c.Kind, "projects", len(c.Item.ProjectPaths))
		default:
			logging.InfoContext(ctx, "File changed", "path", c.Path, "kind", c.Kind)
		}
	}
}

type nopReporter struct{}

func (nopReporter) SetResult(*evaluation.Result)                 {}
func (nopReporter) PublishStatus(pubsub.EvaluationStatus) error { return nil }
func (nopReporter) PublishChanges(pubsub.ChangeBatch) error     { return nil }
