// Package evaluation turns a project graph into the set of files to watch.
//
// An evaluation optionally restores the root projects, runs a design-time
// build of every node and folds the returned items into one watch-set with
// owner sets. Static web asset manifests and scoped style inputs contribute
// files as well.
package evaluation

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ritzau/buildwatch/pkg/build"
	"github.com/ritzau/buildwatch/pkg/exclusion"
	"github.com/ritzau/buildwatch/pkg/graph"
	"github.com/ritzau/buildwatch/pkg/logging"
	"github.com/ritzau/buildwatch/pkg/project"
)

var (
	// ErrRestoreFailed is returned when restoring a root project fails
	ErrRestoreFailed = errors.New("restore failed")
	// ErrDesignTimeBuildFailed is returned when the design-time build produced nothing to watch
	ErrDesignTimeBuildFailed = errors.New("design-time build failed")
)

// Options control an evaluation
type Options struct {
	// Restore runs the restore target on the root projects first
	Restore bool
	// SuppressStaticAssets skips the static asset manifest and scoped style targets
	SuppressStaticAssets bool
	// WatchTargets are additional targets returning items to watch. Only nodes
	// declaring them run them.
	WatchTargets     []string
	GlobalProperties map[string]string
	Framework        string
	// FailurePolicy decides whether a failed design-time build cancels the
	// batch. Nil cancels on the first failure.
	FailurePolicy build.FailurePolicy
}

// Aggregator evaluates project graphs
type Aggregator struct {
	coord  *build.Coordinator
	loader *graph.Loader
}

// NewAggregator creates an aggregator. Builds go through coord, graphs are
// loaded through loader.
func NewAggregator(coord *build.Coordinator, loader *graph.Loader) *Aggregator {
	return &Aggregator{coord: coord, loader: loader}
}

// Invalidate drops the cached description or import at path so the next
// evaluation reads it from disk
func (a *Aggregator) Invalidate(path string) bool {
	return a.loader.Invalidate(path)
}

// Evaluate loads the graph for root and evaluates it. After a restore the
// graph is loaded again since restore generates imports.
func (a *Aggregator) Evaluate(ctx context.Context, root graph.Root, opts Options) (*Result, error) {
	if logging.GetOperationID(ctx) == "" {
		ctx = logging.WithOperationID(ctx, uuid.NewString())
	}
	started := time.Now()

	gopts := graph.Options{
		GlobalProperties: opts.GlobalProperties,
		Framework:        opts.Framework,
		Required:         true,
	}
	g, err := a.loader.LoadGraph(ctx, root, gopts)
	if err != nil {
		return nil, err
	}

	if opts.Restore {
		restored, err := a.restore(ctx, g)
		if err != nil {
			return nil, err
		}
		if restored {
			// Files written by restore predate the evaluation
			started = time.Now()
			a.invalidateGenerated(g)
			if g, err = a.loader.LoadGraph(ctx, root, gopts); err != nil {
				return nil, err
			}
		}
	}
	return a.designTime(ctx, g, opts, started)
}

// restore runs the restore target on every root that declares it. Returns
// whether anything was restored.
func (a *Aggregator) restore(ctx context.Context, g *graph.ProjectGraph) (bool, error) {
	var reqs []build.Request
	for _, n := range g.Roots() {
		if n.HasTarget(project.TargetRestore) {
			reqs = append(reqs, build.Request{Node: n, Targets: []string{project.TargetRestore}})
		}
	}
	if len(reqs) == 0 {
		return false, nil
	}

	failures := &failureLog{}
	if _, err := a.coord.RunBatch(ctx, reqs, failures.record(nil), "restore"); err != nil {
		if failed := failures.list(); len(failed) > 0 {
			return false, fmt.Errorf("%w: %s", ErrRestoreFailed, strings.Join(failed, ", "))
		}
		if ctx.Err() != nil {
			return false, err
		}
		return false, fmt.Errorf("%w: %w", ErrRestoreFailed, err)
	}
	return true, nil
}

// invalidateGenerated drops cached imports below the intermediate output
// directories, where restore writes its generated files
func (a *Aggregator) invalidateGenerated(g *graph.ProjectGraph) {
	for _, n := range g.NodesTopologicallySorted() {
		base := n.Property(project.PropBaseIntermediateOutputPath)
		if base == "" {
			continue
		}
		dir := n.ResolvePath(base) + string(filepath.Separator)
		for _, imp := range n.Imports() {
			if strings.HasPrefix(imp, dir) {
				a.loader.Invalidate(imp)
			}
		}
	}
}

// designTime runs the design-time build of every node that targets a single
// framework and folds the results in topological order
func (a *Aggregator) designTime(ctx context.Context, g *graph.ProjectGraph, opts Options, started time.Time) (*Result, error) {
	snapshot := make(map[string]*project.Node, g.Len())
	var (
		reqs    []build.Request
		targets [][]string
	)
	for _, n := range g.NodesTopologicallySorted() {
		if n.TargetFramework() == "" {
			logging.TraceContext(ctx, "Skipping project without a single framework", "project", n.ID())
			continue
		}
		t := DesignTimeTargets(n, opts)
		if len(t) == 0 {
			logging.DebugContext(ctx, "Project has no design-time targets", "project", n.ID())
			continue
		}
		snapshot[n.ID()] = n
		reqs = append(reqs, build.Request{
			Node:             n,
			Targets:          t,
			GlobalProperties: DesignTimeProperties(),
			ItemTypes:        watchedItemTypes,
			Payload:          len(targets),
		})
		targets = append(targets, t)
	}
	if len(reqs) == 0 {
		return nil, fmt.Errorf("%w: no project to build", ErrDesignTimeBuildFailed)
	}

	failures := &failureLog{}
	results, err := a.coord.RunBatch(ctx, reqs, failures.record(opts.FailurePolicy), "design-time build")
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		if failed := failures.list(); len(failed) > 0 {
			return nil, fmt.Errorf("%w: %s", ErrDesignTimeBuildFailed, strings.Join(failed, ", "))
		}
		return nil, fmt.Errorf("%w: %w", ErrDesignTimeBuildFailed, err)
	}

	f := newFolder()
	succeeded := 0
	for _, res := range results {
		if !res.Success() {
			continue
		}
		succeeded++
		f.fold(res, targets[res.Payload.(int)])
	}
	if succeeded == 0 {
		return nil, fmt.Errorf("%w: %s", ErrDesignTimeBuildFailed, strings.Join(failures.list(), ", "))
	}

	r := &Result{
		Graph:      g,
		Files:      f.files,
		Manifests:  f.manifests,
		Snapshot:   snapshot,
		Failed:     failures.list(),
		Exclusions: exclusion.Build(g),
		Started:    started,
		Finished:   time.Now(),
	}
	r.Exclusions.Report()
	logging.InfoContext(ctx, "Evaluated project graph",
		"projects", len(reqs),
		"failed", len(r.Failed),
		"files", len(r.Files),
		"buildFiles", len(r.BuildFiles()),
		"durationMs", r.Finished.Sub(started).Milliseconds())
	return r, nil
}

// failureLog collects failed projects while delegating the continue decision
type failureLog struct {
	mu     sync.Mutex
	failed []string
}

func (l *failureLog) record(policy build.FailurePolicy) build.FailurePolicy {
	return func(n *project.Node) bool {
		l.mu.Lock()
		l.failed = append(l.failed, n.ID())
		l.mu.Unlock()
		return policy != nil && policy(n)
	}
}

func (l *failureLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	failed := slices.Clone(l.failed)
	slices.Sort(failed)
	return failed
}
