// Package build serializes access to the build engine.
//
// The engine is not reentrant, so every invocation goes through one Coordinator
// per process. A batch may contain many project/target pairs; they are submitted
// together and the engine schedules them internally.
package build

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ritzau/buildwatch/pkg/engine"
	"github.com/ritzau/buildwatch/pkg/logging"
	"github.com/ritzau/buildwatch/pkg/project"
)

// ErrCancelled is returned when a batch is cancelled, either by the caller's
// context or by the failure policy. It is distinct from a batch that completed
// with failed projects.
var ErrCancelled = errors.New("build batch cancelled")

// errFailFast stops the errgroup when the failure policy declines to continue
var errFailFast = errors.New("failure policy requested cancellation")

// Request pairs a node with the targets to run. Payload is carried through to
// the matching Result unchanged.
type Request struct {
	Node    *project.Node
	Targets []string
	// GlobalProperties are layered over the node's own global properties
	GlobalProperties map[string]string
	// ItemTypes are evaluated item types to report alongside target results
	ItemTypes []string
	Payload   any
}

// properties returns the global properties the request is submitted with
func (r Request) properties() map[string]string {
	props := r.Node.GlobalProperties()
	if props == nil {
		props = make(map[string]string, len(r.GlobalProperties))
	}
	maps.Copy(props, r.GlobalProperties)
	return props
}

// Result is the outcome of one Request. Targets is empty when the request failed.
type Result struct {
	Node    *project.Node
	Payload any
	Targets engine.Results
}

// Success reports whether the request produced results
func (r Result) Success() bool {
	return len(r.Targets) > 0
}

// TargetFailure describes a project whose targets did not all succeed
type TargetFailure struct {
	Project string
	Targets []string
}

func (f *TargetFailure) Error() string {
	return fmt.Sprintf("%s: targets failed: %s", f.Project, strings.Join(f.Targets, ", "))
}

// FailurePolicy is consulted when a request fails. Returning true keeps
// collecting the remaining results; false cancels the batch.
type FailurePolicy func(failed *project.Node) bool

// ContinueOnFailure is a FailurePolicy that never cancels
func ContinueOnFailure(*project.Node) bool { return true }

// Coordinator owns the engine handle and guarantees that at most one batch is in
// flight at a time
type Coordinator struct {
	engine  engine.Engine
	sem     chan struct{} // capacity 1, held while a batch or exclusive section runs
	verbose atomic.Bool
}

// NewCoordinator creates a coordinator for the given engine
func NewCoordinator(e engine.Engine) *Coordinator {
	return &Coordinator{
		engine: e,
		sem:    make(chan struct{}, 1),
	}
}

// SetVerbose makes the coordinator replay captured engine output after every batch
func (c *Coordinator) SetVerbose(v bool) {
	c.verbose.Store(v)
}

// lock acquires the process-wide build lock, giving up if ctx is done first
func (c *Coordinator) lock(ctx context.Context) error {
	select {
	case c.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
	}
}

func (c *Coordinator) unlock() {
	<-c.sem
}

// Exclusive runs fn while holding the build lock. Graph loads use it so that
// the document cache is only populated while no batch is running.
func (c *Coordinator) Exclusive(ctx context.Context, fn func() error) error {
	if err := c.lock(ctx); err != nil {
		return err
	}
	defer c.unlock()
	return fn()
}

// RunBatch submits every request to the engine and waits for all of them.
//
// Results are index-aligned with requests. When a request fails, onFailure
// decides whether to keep going; a nil policy cancels on the first failure. A
// cancelled batch returns no results and an error wrapping ErrCancelled. Engine
// failures unrelated to a project are returned as errors.
func (c *Coordinator) RunBatch(ctx context.Context, requests []Request, onFailure FailurePolicy, label string) ([]Result, error) {
	if err := c.lock(ctx); err != nil {
		return nil, err
	}
	defer c.unlock()

	if logging.GetOperationID(ctx) == "" {
		ctx = logging.WithOperationID(ctx, uuid.NewString())
	}
	start := time.Now()
	logging.DebugContext(ctx, "Starting build batch", "label", label, "requests", len(requests))

	var (
		diagnostics bytes.Buffer
		capture     = slog.New(logging.NewCompactHandler(&diagnostics, &slog.HandlerOptions{Level: logging.LevelTrace}))
		results     = make([]Result, len(requests))
		policyMu    sync.Mutex
		failed      atomic.Bool
	)

	g, gctx := errgroup.WithContext(ctx)
	for i, req := range requests {
		g.Go(func() error {
			res, err := c.engine.Submit(gctx, engine.Submission{
				ProjectPath:      req.Node.BuildPath(),
				Targets:          req.Targets,
				GlobalProperties: req.properties(),
				ItemTypes:        req.ItemTypes,
				Logger:           capture.With("project", req.Node.Name()),
			})
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				return fmt.Errorf("%s: %s: %w", label, req.Node.Path(), err)
			}

			results[i] = Result{Node: req.Node, Payload: req.Payload, Targets: res}
			if res.Succeeded(req.Targets) {
				return nil
			}

			results[i].Targets = engine.Results{}
			failed.Store(true)
			failure := &TargetFailure{Project: req.Node.Path(), Targets: res.FailedTargets(req.Targets)}
			capture.Error("Build failed", "error", failure)

			policyMu.Lock()
			keepGoing := onFailure != nil && onFailure(req.Node)
			policyMu.Unlock()
			if !keepGoing {
				return errFailFast
			}
			return nil
		})
	}

	err := g.Wait()
	switch {
	case err == nil && ctx.Err() == nil:
		c.replay(ctx, &diagnostics, label, failed.Load())
		logging.DebugContext(ctx, "Build batch finished", "label", label, "durationMs", time.Since(start).Milliseconds())
		return results, nil

	case errors.Is(err, errFailFast) || ctx.Err() != nil:
		c.engine.CancelAll()
		c.replay(ctx, &diagnostics, label, true)
		logging.WarnContext(ctx, "Build batch cancelled", "label", label)
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
		}
		return nil, ErrCancelled

	default:
		c.engine.CancelAll()
		c.replay(ctx, &diagnostics, label, true)
		return nil, err
	}
}

// replay writes captured engine output to the process log: as warnings when
// something failed, as info in verbose mode, otherwise not at all
func (c *Coordinator) replay(ctx context.Context, diagnostics *bytes.Buffer, label string, failed bool) {
	if diagnostics.Len() == 0 || (!failed && !c.verbose.Load()) {
		return
	}

	log := logging.InfoContext
	if failed {
		log = logging.WarnContext
	}
	scanner := bufio.NewScanner(diagnostics)
	for scanner.Scan() {
		log(ctx, "["+label+"] "+scanner.Text())
	}
}
