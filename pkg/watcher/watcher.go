package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/ritzau/buildwatch/pkg/logging"
	"github.com/ritzau/buildwatch/pkg/model"
)

// FileWatcher watches files and directory trees for changes.
//
// fsnotify watches single directories, so a recursive watch registers every
// directory of the tree and follows directories created later. A recursive
// tree replaces the watches beneath it, and files or directories inside a
// watched tree add nothing.
type FileWatcher struct {
	watcher *fsnotify.Watcher
	events  chan model.ChangedPath
	done    chan struct{}

	mu         sync.Mutex
	trees      map[string][]string // recursive root to the directories it skips
	dirs       map[string]struct{} // directories watched without subdirectories
	files      map[string]struct{} // files watched individually
	registered map[string]struct{} // directories registered with fsnotify
}

// NewFileWatcher creates a watcher. Call Start to begin delivering events.
func NewFileWatcher() (*FileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	fw := &FileWatcher{
		watcher:    watcher,
		events:     make(chan model.ChangedPath, 256),
		done:       make(chan struct{}),
		trees:      map[string][]string{},
		dirs:       map[string]struct{}{},
		files:      map[string]struct{}{},
		registered: map[string]struct{}{},
	}
	return fw, nil
}

// Start begins processing file system events until ctx is done
func (fw *FileWatcher) Start(ctx context.Context) {
	go fw.processEvents(ctx)
}

// Events returns the channel of accepted file changes. It is closed when the
// watcher stops.
func (fw *FileWatcher) Events() <-chan model.ChangedPath {
	return fw.events
}

// Stop stops the file watcher
func (fw *FileWatcher) Stop() error {
	select {
	case <-fw.done:
	default:
		close(fw.done)
	}
	return fw.watcher.Close()
}

// WatchFiles watches individual files. Files inside a watched directory are
// already covered.
func (fw *FileWatcher) WatchFiles(paths []string) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	for _, p := range paths {
		p = filepath.Clean(p)
		if fw.coveredLocked(p) {
			continue
		}
		fw.files[p] = struct{}{}
		fw.registerLocked(filepath.Dir(p))
	}
}

// WatchContainingDirectories watches the directory containing each path, or
// the path itself when it ends with a separator. Recursive watches skip the
// excluded directories and everything below them.
func (fw *FileWatcher) WatchContainingDirectories(paths []string, recursive bool, excluded []string) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	skip := make([]string, 0, len(excluded))
	for _, e := range excluded {
		skip = append(skip, filepath.Clean(e))
	}

	for _, p := range paths {
		dir := filepath.Dir(p)
		if strings.HasSuffix(p, string(filepath.Separator)) {
			dir = filepath.Clean(p)
		}
		if isWithinAny(dir, skip) {
			continue
		}

		if recursive {
			fw.addTreeLocked(dir, skip)
		} else if !fw.dirCoveredLocked(dir) {
			fw.dirs[dir] = struct{}{}
			fw.registerLocked(dir)
		}
	}
}

// WatchedDirectories returns the directories registered with the OS, sorted
func (fw *FileWatcher) WatchedDirectories() []string {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	dirs := make([]string, 0, len(fw.registered))
	for d := range fw.registered {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)
	return dirs
}

// Reset drops every watch so a new evaluation can register its own
func (fw *FileWatcher) Reset() {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	for d := range fw.registered {
		if err := fw.watcher.Remove(d); err != nil {
			logging.Trace("Failed to remove watch", "path", d, "error", err)
		}
	}
	fw.trees = map[string][]string{}
	fw.dirs = map[string]struct{}{}
	fw.files = map[string]struct{}{}
	fw.registered = map[string]struct{}{}
}

// addTreeLocked adds a recursive tree, absorbing watches beneath it
func (fw *FileWatcher) addTreeLocked(root string, skip []string) {
	if fw.treeCoversLocked(root) {
		return
	}

	for t := range fw.trees {
		if isWithin(t, root) && t != root {
			delete(fw.trees, t)
		}
	}
	for d := range fw.dirs {
		if isWithin(d, root) {
			delete(fw.dirs, d)
		}
	}
	for f := range fw.files {
		if isWithin(f, root) && !isWithinAny(f, skip) {
			delete(fw.files, f)
		}
	}

	var tskip []string
	for _, s := range skip {
		if isWithin(s, root) {
			tskip = append(tskip, s)
		}
	}
	fw.trees[root] = tskip
	fw.walkLocked(root, tskip)
}

// walkLocked registers every directory of a tree that is not skipped
func (fw *FileWatcher) walkLocked(root string, skip []string) {
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable or vanished directories are skipped
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if isWithinAny(path, skip) {
			return filepath.SkipDir
		}
		fw.registerLocked(path)
		return nil
	})
	if err != nil {
		logging.Warn("Failed to walk directory", "path", root, "error", err)
	}
}

func (fw *FileWatcher) registerLocked(dir string) {
	if _, ok := fw.registered[dir]; ok {
		return
	}
	if err := fw.watcher.Add(dir); err != nil {
		logging.Debug("Failed to watch directory", "path", dir, "error", err)
		return
	}
	fw.registered[dir] = struct{}{}
	logging.Trace("Watching directory", "path", dir)
}

// coveredLocked reports whether changes to path are already delivered
func (fw *FileWatcher) coveredLocked(path string) bool {
	if _, ok := fw.files[path]; ok {
		return true
	}
	if _, ok := fw.dirs[filepath.Dir(path)]; ok {
		return true
	}
	return fw.treeCoversLocked(path)
}

// dirCoveredLocked reports whether every file directly in dir is already delivered
func (fw *FileWatcher) dirCoveredLocked(dir string) bool {
	if _, ok := fw.dirs[dir]; ok {
		return true
	}
	return fw.treeCoversLocked(dir)
}

// treeCoversLocked reports whether path lies in a recursive tree and outside its skipped directories
func (fw *FileWatcher) treeCoversLocked(path string) bool {
	for root, skip := range fw.trees {
		if isWithin(path, root) && !isWithinAny(path, skip) {
			return true
		}
	}
	return false
}

// processEvents translates fsnotify events into changes for watched paths
func (fw *FileWatcher) processEvents(ctx context.Context) {
	defer close(fw.events)
	for {
		select {
		case <-ctx.Done():
			fw.watcher.Close()
			return

		case <-fw.done:
			return

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			for _, c := range fw.translate(event) {
				select {
				case fw.events <- c:
				case <-ctx.Done():
					return
				case <-fw.done:
					return
				}
			}

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			logging.Error("Watcher error", "error", err)
		}
	}
}

// translate maps one fsnotify event to changes. A directory created inside a
// recursive tree is watched and its files are reported as added.
func (fw *FileWatcher) translate(event fsnotify.Event) []model.ChangedPath {
	path := filepath.Clean(event.Name)

	var kind model.ChangeKind
	switch {
	case event.Has(fsnotify.Create):
		kind = model.ChangeAdded
	case event.Has(fsnotify.Write):
		kind = model.ChangeChanged
	case event.Has(fsnotify.Remove):
		kind = model.ChangeRemoved
	case event.Has(fsnotify.Rename):
		kind = model.ChangeRenamed
	default:
		return nil
	}

	fw.mu.Lock()
	defer fw.mu.Unlock()

	if kind == model.ChangeAdded {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			return fw.newDirectoryLocked(path)
		}
	}
	if kind == model.ChangeRemoved || kind == model.ChangeRenamed {
		if _, ok := fw.registered[path]; ok {
			// fsnotify drops the watch of a removed directory itself
			delete(fw.registered, path)
			return nil
		}
	}

	if !fw.coveredLocked(path) {
		return nil
	}
	return []model.ChangedPath{{Path: path, Kind: kind}}
}

func (fw *FileWatcher) newDirectoryLocked(dir string) []model.ChangedPath {
	var skip []string
	inTree := false
	for root, s := range fw.trees {
		if isWithin(dir, root) && !isWithinAny(dir, s) {
			skip, inTree = s, true
			break
		}
	}
	if !inTree {
		return nil
	}

	var before []string
	for d := range fw.registered {
		before = append(before, d)
	}
	fw.walkLocked(dir, skip)

	// Files created before the watch was registered would be missed otherwise
	var added []model.ChangedPath
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if isWithinAny(path, skip) || (path != dir && slices.Contains(before, path)) {
				return filepath.SkipDir
			}
			return nil
		}
		added = append(added, model.ChangedPath{Path: path, Kind: model.ChangeAdded})
		return nil
	})
	return added
}

// isWithin reports whether path equals dir or lies below it
func isWithin(path, dir string) bool {
	if path == dir {
		return true
	}
	return strings.HasPrefix(path, strings.TrimSuffix(dir, string(filepath.Separator))+string(filepath.Separator))
}

func isWithinAny(path string, dirs []string) bool {
	for _, d := range dirs {
		if isWithin(path, d) {
			return true
		}
	}
	return false
}
