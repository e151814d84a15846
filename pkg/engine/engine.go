// Package engine defines the boundary to the external build engine.
//
// The engine is a black box that evaluates a project description, runs a list of
// named targets with a set of global property overrides, and reports a structured
// item list per target. It is not reentrant; callers serialize access through
// pkg/build.Coordinator.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"
)

// ErrEngine marks failures of the engine itself (crash, protocol violation),
// as opposed to a target failing for a specific project.
var ErrEngine = errors.New("build engine failure")

// Item is one entry of a target's output item list
type Item struct {
	Identity string            `json:"identity"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Meta returns a metadata value, case-insensitively, or "" if absent
func (i Item) Meta(name string) string {
	if v, ok := i.Metadata[name]; ok {
		return v
	}
	for k, v := range i.Metadata {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// MetadataItemType is the metadata key engines use to tag the item type of a
// target output (Compile, AdditionalFiles, Watch, ...)
const MetadataItemType = "ItemType"

// TargetResult is the outcome of a single target
type TargetResult struct {
	Success bool   `json:"success"`
	Items   []Item `json:"items,omitempty"`
}

// Results maps target name to its result
type Results map[string]TargetResult

// Succeeded returns true if every requested target is present and succeeded
func (r Results) Succeeded(targets []string) bool {
	if len(r) == 0 {
		return false
	}
	for _, t := range targets {
		res, ok := r[t]
		if !ok || !res.Success {
			return false
		}
	}
	return true
}

// FailedTargets lists the targets that are missing or failed
func (r Results) FailedTargets(targets []string) []string {
	var failed []string
	for _, t := range targets {
		if res, ok := r[t]; !ok || !res.Success {
			failed = append(failed, t)
		}
	}
	return failed
}

// EvaluatedItems is the Results key holding items requested through
// Submission.ItemTypes. Each item carries its type in MetadataItemType.
const EvaluatedItems = "@items"

// Submission is one request to the engine
type Submission struct {
	ProjectPath      string
	Targets          []string
	GlobalProperties map[string]string
	// ItemTypes asks the engine to report the evaluated items of these types
	// after the targets ran
	ItemTypes []string
	// Logger receives the engine's diagnostic events. Never nil when submitted
	// through the coordinator.
	Logger *slog.Logger
}

// Engine executes targets against project descriptions.
//
// Submit blocks until the engine reports results for the submission or ctx is
// cancelled. A project-level failure is reported through the returned Results;
// a non-nil error is reserved for engine-level failures and wraps ErrEngine.
type Engine interface {
	Submit(ctx context.Context, s Submission) (Results, error)
	CancelAll()
}
