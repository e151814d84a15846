package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ritzau/buildwatch/pkg/build"
	"github.com/ritzau/buildwatch/pkg/engine"
	"github.com/ritzau/buildwatch/pkg/evaluation"
	"github.com/ritzau/buildwatch/pkg/graph"
	"github.com/ritzau/buildwatch/pkg/model"
	"github.com/ritzau/buildwatch/pkg/project"
	"github.com/ritzau/buildwatch/pkg/pubsub"
	"github.com/ritzau/buildwatch/pkg/trigger"
)

// fakeWatcher records registrations and lets the test inject changes
type fakeWatcher struct {
	events chan model.ChangedPath

	mu    sync.Mutex
	files []string
	dirs  []string
}

func newFakeWatcher() *fakeWatcher {
	return &fakeWatcher{events: make(chan model.ChangedPath, 16)}
}

func (w *fakeWatcher) WatchFiles(paths []string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.files = append(w.files, paths...)
}

func (w *fakeWatcher) WatchContainingDirectories(paths []string, recursive bool, excluded []string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.dirs = append(w.dirs, paths...)
}

func (w *fakeWatcher) Events() <-chan model.ChangedPath { return w.events }

func (w *fakeWatcher) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.files, w.dirs = nil, nil
}

func (w *fakeWatcher) registered() (files, dirs []string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.files...), append([]string(nil), w.dirs...)
}

// recordingReporter forwards statuses to a channel
type recordingReporter struct {
	statuses chan pubsub.EvaluationStatus
	batches  chan pubsub.ChangeBatch
}

func newRecordingReporter() *recordingReporter {
	return &recordingReporter{
		statuses: make(chan pubsub.EvaluationStatus, 32),
		batches:  make(chan pubsub.ChangeBatch, 32),
	}
}

func (r *recordingReporter) SetResult(*evaluation.Result) {}

func (r *recordingReporter) PublishStatus(s pubsub.EvaluationStatus) error {
	r.statuses <- s
	return nil
}

func (r *recordingReporter) PublishChanges(b pubsub.ChangeBatch) error {
	r.batches <- b
	return nil
}

// waitFor returns the first status with the given state
func (r *recordingReporter) waitFor(t *testing.T, state string) pubsub.EvaluationStatus {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case s := <-r.statuses:
			if s.State == state {
				return s
			}
		case <-timeout:
			t.Fatalf("timed out waiting for state %q", state)
		}
	}
}

func writeProject(t *testing.T) (dir, app string) {
	t.Helper()
	dir = t.TempDir()
	app = filepath.Join(dir, "app.csproj")
	if err := os.WriteFile(app, []byte(`
<Project Sdk="Microsoft.NET.Sdk">
  <PropertyGroup><TargetFramework>net8.0</TargetFramework></PropertyGroup>
</Project>`), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir, app
}

func newRunner(m *engine.MockEngine, w Watcher, rep Reporter, opts Options) *Runner {
	coord := build.NewCoordinator(m)
	agg := evaluation.NewAggregator(coord, graph.NewLoader(coord, project.NewEvaluator(nil)))
	opts.QuietPeriod = 10 * time.Millisecond
	opts.MaxWait = 50 * time.Millisecond
	return New(agg, w, rep, opts)
}

func compileItems(ctx context.Context, s engine.Submission) (engine.Results, error) {
	return engine.Results{
		project.TargetCompileDesignTime: {Success: true},
		engine.EvaluatedItems: {Success: true, Items: []engine.Item{
			{Identity: "Program.cs", Metadata: map[string]string{engine.MetadataItemType: "Compile"}},
		}},
	}, nil
}

func TestRunReevaluatesOnBuildFileChange(t *testing.T) {
	dir, app := writeProject(t)
	m := &engine.MockEngine{Handler: compileItems}
	w := newFakeWatcher()
	rep := newRecordingReporter()

	changed := make(chan []trigger.ChangedFile, 4)
	r := newRunner(m, w, rep, Options{
		Root: graph.Root{Path: app},
		OnChange: func(ctx context.Context, c []trigger.ChangedFile) {
			changed <- c
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	status := rep.waitFor(t, "valid")
	if status.Projects != 1 || status.Files != 1 {
		t.Errorf("unexpected status %+v", status)
	}
	files, dirs := w.registered()
	if len(files) == 0 || len(dirs) == 0 {
		t.Fatalf("expected registrations, got files %v dirs %v", files, dirs)
	}
	submitted := len(m.Submissions())

	// A source edit is reported without re-evaluating
	w.events <- model.ChangedPath{Path: filepath.Join(dir, "Program.cs"), Kind: model.ChangeChanged}
	select {
	case c := <-changed:
		if len(c) != 1 || c[0].Item == nil {
			t.Errorf("unexpected changes %+v", c)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the change callback")
	}
	if got := len(m.Submissions()); got != submitted {
		t.Errorf("source change should not re-evaluate, submissions %d -> %d", submitted, got)
	}

	// Editing the description re-evaluates
	w.events <- model.ChangedPath{Path: app, Kind: model.ChangeChanged}
	rep.waitFor(t, "evaluating")
	rep.waitFor(t, "valid")
	if got := len(m.Submissions()); got <= submitted {
		t.Errorf("build file change should re-evaluate, submissions %d -> %d", submitted, got)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}
}

func TestRunRetriesAfterFailure(t *testing.T) {
	dir, app := writeProject(t)
	var calls atomic.Int32
	m := &engine.MockEngine{Handler: func(ctx context.Context, s engine.Submission) (engine.Results, error) {
		if calls.Add(1) == 1 {
			return engine.Results{project.TargetCompileDesignTime: {Success: false}}, nil
		}
		return compileItems(ctx, s)
	}}
	w := newFakeWatcher()
	rep := newRecordingReporter()
	r := newRunner(m, w, rep, Options{Root: graph.Root{Path: app}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	rep.waitFor(t, "failed")
	rep.waitFor(t, "waiting")
	_, dirs := w.registered()
	if len(dirs) != 1 || dirs[0] != dir+string(filepath.Separator) {
		t.Fatalf("expected the root directory to be watched, got %v", dirs)
	}
	if r.Trigger().Result() != nil {
		t.Fatal("a failed evaluation has no result")
	}

	w.events <- model.ChangedPath{Path: filepath.Join(dir, "Program.cs"), Kind: model.ChangeChanged}
	rep.waitFor(t, "valid")
	if r.Trigger().State() != trigger.Valid {
		t.Error("the retry should make the evaluation valid")
	}

	cancel()
	<-done
}

func TestRunWatcherClosed(t *testing.T) {
	_, app := writeProject(t)
	w := newFakeWatcher()
	r := newRunner(&engine.MockEngine{Handler: compileItems}, w, nil, Options{Root: graph.Root{Path: app}})

	close(w.events)
	if err := r.Run(context.Background()); !errors.Is(err, ErrWatcherClosed) {
		t.Errorf("Run returned %v, want ErrWatcherClosed", err)
	}
}

func TestRootDirectory(t *testing.T) {
	dir, app := writeProject(t)
	if got := rootDirectory(app); got != dir {
		t.Errorf("rootDirectory(file) = %s, want %s", got, dir)
	}
	if got := rootDirectory(dir); got != dir {
		t.Errorf("rootDirectory(dir) = %s, want %s", got, dir)
	}
}
