package model

import (
	"slices"
	"sort"
)

// ChangeKind represents the kind of file system change reported by the watcher
type ChangeKind int

const (
	ChangeAdded ChangeKind = iota
	ChangeChanged
	ChangeRemoved
	ChangeRenamed
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeAdded:
		return "added"
	case ChangeChanged:
		return "changed"
	case ChangeRemoved:
		return "removed"
	case ChangeRenamed:
		return "renamed"
	default:
		return "unknown"
	}
}

// ChangedPath is a single change notification for an absolute path
type ChangedPath struct {
	Path string     `json:"path"`
	Kind ChangeKind `json:"kind"`
}

// FileItem is one entry of the watch-set.
// ProjectPaths is never empty for items produced by an evaluation.
type FileItem struct {
	Path         string   `json:"path"`               // Absolute file path (unique key)
	ProjectPaths []string `json:"projects"`           // Project descriptions referencing the file, in discovery order
	AssetURL     string   `json:"assetUrl,omitempty"` // Logical URL when the file is a static web asset
}

// NewFileItem creates an item owned by a single project
func NewFileItem(path, projectPath, assetURL string) *FileItem {
	return &FileItem{
		Path:         path,
		ProjectPaths: []string{projectPath},
		AssetURL:     assetURL,
	}
}

// AddProject records an additional owning project. Returns false if already present.
func (f *FileItem) AddProject(projectPath string) bool {
	if slices.Contains(f.ProjectPaths, projectPath) {
		return false
	}
	f.ProjectPaths = append(f.ProjectPaths, projectPath)
	return true
}

// IsStaticAsset returns true if the item was discovered through a static asset manifest
func (f *FileItem) IsStaticAsset() bool {
	return f.AssetURL != ""
}

// SortedFileItems returns the items ordered by path.
// Owner lists are in insertion order; use this when deterministic output is needed.
func SortedFileItems(files map[string]*FileItem) []*FileItem {
	items := make([]*FileItem, 0, len(files))
	for _, item := range files {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].Path < items[j].Path
	})
	return items
}
