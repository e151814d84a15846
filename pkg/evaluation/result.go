package evaluation

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ritzau/buildwatch/pkg/exclusion"
	"github.com/ritzau/buildwatch/pkg/graph"
	"github.com/ritzau/buildwatch/pkg/model"
	"github.com/ritzau/buildwatch/pkg/project"
	"github.com/ritzau/buildwatch/pkg/staticassets"
)

// FileWatcher receives the watch registrations of an evaluation result.
//
// A path passed to WatchContainingDirectories that ends in a path separator
// names a directory to watch itself. Directories listed in excluded are never
// descended into by a recursive watch.
type FileWatcher interface {
	WatchFiles(paths []string)
	WatchContainingDirectories(paths []string, recursive bool, excluded []string)
}

// Result is the outcome of one evaluation pass
type Result struct {
	Graph *graph.ProjectGraph
	// Files is the watch-set keyed by absolute path
	Files map[string]*model.FileItem
	// Manifests holds the static asset manifest of each web project, by node ID
	Manifests map[string]*staticassets.Manifest
	// Snapshot holds the nodes the design-time build was submitted for, by node ID
	Snapshot map[string]*project.Node
	// Failed lists projects whose design-time build failed and contributed no files
	Failed     []string
	Exclusions *exclusion.Ruleset
	Started    time.Time
	Finished   time.Time

	buildFilesOnce sync.Once
	buildFiles     []string
	buildFileSet   map[string]struct{}
}

// BuildFiles returns every description and imported file of the graph, sorted.
// A single-file entry point contributes its source file instead of the
// synthesized description.
func (r *Result) BuildFiles() []string {
	r.buildFilesOnce.Do(func() {
		r.buildFileSet = map[string]struct{}{}
		if r.Graph != nil {
			for _, n := range r.Graph.NodesTopologicallySorted() {
				if n.IsSynthetic() {
					if entry := n.Property(project.PropEntryPointFilePath); entry != "" {
						r.buildFileSet[filepath.Clean(entry)] = struct{}{}
					}
				} else {
					r.buildFileSet[n.Path()] = struct{}{}
				}
				for _, imp := range n.Imports() {
					r.buildFileSet[filepath.Clean(imp)] = struct{}{}
				}
			}
		}
		r.buildFiles = make([]string, 0, len(r.buildFileSet))
		for p := range r.buildFileSet {
			r.buildFiles = append(r.buildFiles, p)
		}
		sort.Strings(r.buildFiles)
	})
	return append([]string(nil), r.buildFiles...)
}

// IsBuildFile reports whether a change to path affects the graph itself
func (r *Result) IsBuildFile(path string) bool {
	r.BuildFiles()
	_, ok := r.buildFileSet[filepath.Clean(path)]
	return ok
}

// File returns the watch-set entry for path
func (r *Result) File(path string) (*model.FileItem, bool) {
	item, ok := r.Files[filepath.Clean(path)]
	return item, ok
}

// StaticAssetURL returns the URL a file is served at by one of the web projects
func (r *Result) StaticAssetURL(path string) (string, bool) {
	if item, ok := r.File(path); ok && item.IsStaticAsset() {
		return item.AssetURL, true
	}
	for _, id := range r.manifestIDs() {
		m := r.Manifests[id]
		if url, ok := m.Resolve(path); ok && !m.IsRegenerated(path) {
			return url, true
		}
	}
	return "", false
}

func (r *Result) manifestIDs() []string {
	ids := make([]string, 0, len(r.Manifests))
	for id := range r.Manifests {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SortedFiles returns the watch-set ordered by path
func (r *Result) SortedFiles() []*model.FileItem {
	return model.SortedFileItems(r.Files)
}

// ModifiedBuildFiles returns the build files whose modification time is later
// than the start of the evaluation. Edits made while the evaluation ran may
// not be reflected in the result.
func (r *Result) ModifiedBuildFiles() []string {
	var modified []string
	for _, p := range r.BuildFiles() {
		info, err := os.Stat(p)
		if err != nil {
			// Deleted build files are reported by the watcher
			continue
		}
		if info.ModTime().After(r.Started) {
			modified = append(modified, p)
		}
	}
	return modified
}

// WatchFiles registers the result with a watcher: the containing directory of
// every file, the discovery directories of static asset manifests and every
// build file. Files inside excluded directories are watched individually so
// that their directories are never registered.
func (r *Result) WatchFiles(w FileWatcher) {
	var dirPaths, filePaths []string
	for _, item := range r.SortedFiles() {
		if r.Exclusions.IsExcludedDirectory(filepath.Dir(item.Path)) {
			filePaths = append(filePaths, item.Path)
			continue
		}
		dirPaths = append(dirPaths, item.Path)
	}

	for _, id := range r.manifestIDs() {
		for _, p := range r.Manifests[id].DiscoveryPatterns {
			if r.Exclusions.IsExcludedDirectory(p.Directory) {
				continue
			}
			dirPaths = append(dirPaths, p.Directory+string(filepath.Separator))
		}
	}

	if len(dirPaths) > 0 {
		w.WatchContainingDirectories(dirPaths, true, r.Exclusions.SkippedDirectories())
	}
	filePaths = append(filePaths, r.BuildFiles()...)
	if len(filePaths) > 0 {
		w.WatchFiles(filePaths)
	}
}
