package evaluation

import (
	"errors"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/ritzau/buildwatch/pkg/build"
	"github.com/ritzau/buildwatch/pkg/engine"
	"github.com/ritzau/buildwatch/pkg/logging"
	"github.com/ritzau/buildwatch/pkg/model"
	"github.com/ritzau/buildwatch/pkg/project"
	"github.com/ritzau/buildwatch/pkg/staticassets"
)

// defaultManifestName is the manifest file name below the intermediate output path
const defaultManifestName = "staticwebassets.development.json"

// folder merges design-time build results into a watch-set
type folder struct {
	files     map[string]*model.FileItem
	manifests map[string]*staticassets.Manifest
}

func newFolder() *folder {
	return &folder{
		files:     map[string]*model.FileItem{},
		manifests: map[string]*staticassets.Manifest{},
	}
}

// add records path as owned by project. An existing entry gains the owner;
// its asset URL is only filled in when it had none.
func (f *folder) add(path, owner, assetURL string) {
	path = filepath.Clean(path)
	if item, ok := f.files[path]; ok {
		item.AddProject(owner)
		if item.AssetURL == "" {
			item.AssetURL = assetURL
		}
		return
	}
	f.files[path] = model.NewFileItem(path, owner, assetURL)
}

// fold merges one successful result: static asset manifest first, then
// scoped style inputs, then compile, additional and watch items
func (f *folder) fold(res build.Result, targets []string) {
	n := res.Node
	owner := n.Path()

	if containsFold(targets, project.TargetStaticWebAssetsManifest) {
		f.addManifest(n, res.Targets[project.TargetStaticWebAssetsManifest].Items)
	}

	if containsFold(targets, project.TargetResolveScopedCSSInputs) {
		for _, item := range res.Targets[project.TargetResolveScopedCSSInputs].Items {
			f.add(itemPath(n, item), owner, "")
		}
	}

	for _, t := range targets {
		if strings.EqualFold(t, project.TargetStaticWebAssetsManifest) || strings.EqualFold(t, project.TargetResolveScopedCSSInputs) {
			continue
		}
		// Custom targets return watch items whether or not they are tagged
		defaultType := ItemWatch
		if isCompileTarget(t) {
			defaultType = ""
		}
		f.addItems(n, res.Targets[t].Items, defaultType)
	}
	f.addItems(n, res.Targets[engine.EvaluatedItems].Items, "")
}

func (f *folder) addItems(n *project.Node, items []engine.Item, defaultType string) {
	for _, item := range items {
		itemType := item.Meta(engine.MetadataItemType)
		if itemType == "" {
			itemType = defaultType
		}
		if !containsFold(watchedItemTypes, itemType) || !watchable(item) {
			continue
		}
		f.add(itemPath(n, item), n.Path(), "")
	}
}

// addManifest loads the project's static asset manifest and adds every asset
// that is a source rather than a build output
func (f *folder) addManifest(n *project.Node, items []engine.Item) {
	path := manifestPath(n, items)
	m, err := staticassets.Load(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logging.Debug("No static asset manifest", "project", n.Path(), "manifest", path)
		} else {
			logging.Warn("Could not read static asset manifest", "project", n.Path(), "error", err)
		}
		return
	}
	m.AssemblyName = n.AssemblyName()
	f.manifests[n.ID()] = m

	for _, url := range m.SortedURLs() {
		file := m.Assets[url]
		if m.IsRegenerated(file) {
			continue
		}
		f.add(file, n.Path(), url)
	}
}

// manifestPath prefers the path reported by the manifest target, then the
// manifest path property, then the conventional location
func manifestPath(n *project.Node, items []engine.Item) string {
	for _, item := range items {
		if item.Identity != "" {
			return itemPath(n, item)
		}
	}
	if p := strings.TrimSpace(n.Property(project.PropStaticWebAssetsManifestPath)); p != "" {
		return n.ResolvePath(p)
	}
	return filepath.Join(n.ResolvePath(n.Property(project.PropIntermediateOutputPath)), defaultManifestName)
}

// itemPath returns the absolute path of an item
func itemPath(n *project.Node, item engine.Item) string {
	if full := item.Meta("FullPath"); full != "" {
		return filepath.Clean(full)
	}
	return n.ResolvePath(item.Identity)
}
