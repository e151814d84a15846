// Package trigger decides whether file changes invalidate the current
// evaluation.
//
// The trigger is Valid after a successful evaluation and becomes
// StaleNeedsReevaluation when a build file changes, a file is added, a build
// file's modification time moved past the evaluation, or re-evaluation is
// forced for every change. Only a new evaluation makes it Valid again.
package trigger

import (
	"path/filepath"
	"strings"
	"sync"

	"github.com/ritzau/buildwatch/pkg/evaluation"
	"github.com/ritzau/buildwatch/pkg/logging"
	"github.com/ritzau/buildwatch/pkg/model"
)

// State of the current evaluation
type State int

const (
	Valid State = iota
	StaleNeedsReevaluation
)

func (s State) String() string {
	switch s {
	case Valid:
		return "valid"
	case StaleNeedsReevaluation:
		return "stale"
	default:
		return "unknown"
	}
}

// ChangedFile is an accepted change together with what the evaluation knows about it
type ChangedFile struct {
	model.ChangedPath
	// Item is the watch-set entry, nil for files the evaluation did not report
	Item *model.FileItem
	// AssetURL is set when a web project serves the file
	AssetURL string
}

// Trigger tracks the validity of the last successful evaluation. It is safe
// for concurrent use.
type Trigger struct {
	mu               sync.Mutex
	result           *evaluation.Result
	state            State
	reason           string
	reevaluateAlways bool
}

// New creates a trigger that has not seen an evaluation yet. With
// reevaluateAlways every accepted change makes the evaluation stale.
func New(reevaluateAlways bool) *Trigger {
	return &Trigger{
		state:            StaleNeedsReevaluation,
		reason:           "not evaluated",
		reevaluateAlways: reevaluateAlways,
	}
}

// Evaluated records a successful evaluation and makes the trigger Valid. A nil
// result leaves the trigger unchanged.
func (t *Trigger) Evaluated(r *evaluation.Result) {
	if r == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.result = r
	t.state = Valid
	t.reason = ""
}

// State returns the current state
func (t *Trigger) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Reason explains why the evaluation is stale, "" when it is valid
func (t *Trigger) Reason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// Result returns the last successful evaluation. It stays available while the
// trigger is stale so callers keep the last known good watch-set.
func (t *Trigger) Result() *evaluation.Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// Invalidate marks the evaluation stale
func (t *Trigger) Invalidate(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.markStale(reason)
}

func (t *Trigger) markStale(reason string) {
	if t.state == StaleNeedsReevaluation {
		return
	}
	logging.Debug("Evaluation is stale", "reason", reason)
	t.state = StaleNeedsReevaluation
	t.reason = reason
}

// Observe filters a batch of changes and updates the state. It returns the
// state after the batch and the accepted changes in order.
func (t *Trigger) Observe(changes []model.ChangedPath) (State, []ChangedFile) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := t.result
	var accepted []ChangedFile
	for _, c := range changes {
		if !AcceptChange(c, r) {
			continue
		}
		cf := ChangedFile{ChangedPath: c}
		if r != nil {
			cf.Item, _ = r.File(c.Path)
			cf.AssetURL, _ = r.StaticAssetURL(c.Path)
		}
		accepted = append(accepted, cf)

		if reason := t.staleReason(cf, r); reason != "" {
			t.markStale(reason)
		}
	}

	if t.state == Valid && len(accepted) > 0 {
		// Notifications can be dropped; compare timestamps as well
		if modified := r.ModifiedBuildFiles(); len(modified) > 0 {
			t.markStale("build file modified: " + modified[0])
		}
	}
	return t.state, accepted
}

// staleReason returns why an accepted change invalidates the evaluation
func (t *Trigger) staleReason(c ChangedFile, r *evaluation.Result) string {
	switch {
	case r == nil:
		return "not evaluated"
	case t.reevaluateAlways:
		return "re-evaluation forced: " + c.Path
	case r.IsBuildFile(c.Path):
		return "build file changed: " + c.Path
	case c.Kind == model.ChangeAdded && c.Item == nil && c.AssetURL == "":
		return "file added: " + c.Path
	}
	return ""
}

// AcceptChange reports whether a change is relevant. Watch-set files and build
// files are always relevant. Build logs and anything below a hidden directory
// are not, and the remaining paths are relevant unless an exclusion matches.
// With a nil result only the basic filters apply.
func AcceptChange(c model.ChangedPath, r *evaluation.Result) bool {
	if r != nil {
		if _, ok := r.File(c.Path); ok {
			return true
		}
	}

	if strings.EqualFold(filepath.Ext(c.Path), ".binlog") {
		return false
	}
	if dir := hiddenDirectory(c.Path); dir != "" {
		logging.Trace("Ignoring change in hidden directory", "path", c.Path, "kind", c.Kind, "directory", dir)
		return false
	}
	if r == nil {
		return true
	}

	if r.IsBuildFile(c.Path) {
		return true
	}
	return !r.Exclusions.IsExcluded(c.Path, c.Kind)
}

// hiddenDirectory returns the first containing directory whose name starts with a dot
func hiddenDirectory(path string) string {
	dir := filepath.Dir(filepath.Clean(path))
	for {
		if strings.HasPrefix(filepath.Base(dir), ".") && filepath.Base(dir) != "." {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
