package graph

import (
	"errors"
	"fmt"
)

var (
	// ErrLoad is matched by every graph load failure
	ErrLoad = errors.New("project graph load failed")
	// ErrMissingReference marks a project reference to a description that does not exist
	ErrMissingReference = errors.New("referenced project does not exist")
	// ErrReferenceCycle marks projects that reference each other
	ErrReferenceCycle = errors.New("project reference cycle")
)

// LoadError names the description that made the load fail
type LoadError struct {
	Kind   error
	Path   string
	Reason string
}

func (e *LoadError) Error() string {
	if e == nil {
		return ""
	}
	kind := ErrLoad
	if e.Kind != nil {
		kind = e.Kind
	}
	if e.Reason == "" {
		return fmt.Sprintf("%s: %s", kind, e.Path)
	}
	return fmt.Sprintf("%s: %s: %s", kind, e.Path, e.Reason)
}

func (e *LoadError) Unwrap() []error {
	if e.Kind == nil || e.Kind == ErrLoad {
		return []error{ErrLoad}
	}
	return []error{e.Kind, ErrLoad}
}

func loadErrorf(kind error, path, format string, args ...any) error {
	return &LoadError{Kind: kind, Path: path, Reason: fmt.Sprintf(format, args...)}
}
