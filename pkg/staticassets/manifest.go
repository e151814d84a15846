// Package staticassets parses the static web asset development manifest the
// build engine writes for web projects.
//
// The manifest maps public URLs to source files through a tree keyed by URL
// segment. Nodes may carry an Asset (content root index and sub path) and
// discovery Patterns for content that cannot be enumerated ahead of time.
package staticassets

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/ritzau/buildwatch/pkg/logging"
)

// ErrInvalidContentRoot marks an asset or pattern whose content root index is
// missing or out of range
var ErrInvalidContentRoot = errors.New("invalid content root index")

// DiscoveryPattern describes files served from a directory by pattern
type DiscoveryPattern struct {
	Directory string `json:"directory"` // content root the pattern applies to
	Pattern   string `json:"pattern"`
	BaseURL   string `json:"baseUrl"` // URL of the tree node carrying the pattern
	Depth     int    `json:"depth"`
}

// Manifest is the flattened manifest of one project
type Manifest struct {
	Path              string             `json:"path,omitempty"`
	ContentRoots      []string           `json:"contentRoots"`
	Assets            map[string]string  `json:"assets"` // URL to absolute file path
	DiscoveryPatterns []DiscoveryPattern `json:"discoveryPatterns,omitempty"`
	// AssemblyName of the owning project names its scoped style bundle
	AssemblyName string `json:"assemblyName,omitempty"`
	// Problems lists the entries that were skipped
	Problems []error `json:"-"`
}

type rawManifest struct {
	ContentRoots []string        `json:"ContentRoots"`
	Root         json.RawMessage `json:"Root"`
}

type rawNode struct {
	Children map[string]json.RawMessage `json:"Children"`
	Asset    *rawAsset                  `json:"Asset"`
	Patterns []rawPattern               `json:"Patterns"`
}

type rawAsset struct {
	ContentRootIndex *int   `json:"ContentRootIndex"`
	SubPath          string `json:"SubPath"`
}

type rawPattern struct {
	ContentRootIndex *int   `json:"ContentRootIndex"`
	Pattern          string `json:"Pattern"`
	Depth            int    `json:"Depth"`
}

// Load reads and parses a manifest file
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	m.Path = path
	for _, problem := range m.Problems {
		logging.Warn("Skipping static asset manifest entry", "manifest", path, "error", problem)
	}
	return m, nil
}

// Parse parses manifest JSON. Only a malformed document is an error; malformed
// tree nodes and assets are skipped and recorded in Problems.
func Parse(data []byte) (*Manifest, error) {
	var raw rawManifest
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	m := &Manifest{
		ContentRoots: raw.ContentRoots,
		Assets:       map[string]string{},
	}
	if len(raw.Root) == 0 || string(raw.Root) == "null" {
		return m, nil
	}
	m.walk(raw.Root, nil)
	return m, nil
}

func (m *Manifest) walk(data json.RawMessage, segments []string) {
	url := strings.Join(segments, "/")

	var node rawNode
	if err := json.Unmarshal(data, &node); err != nil {
		m.Problems = append(m.Problems, fmt.Errorf("node %q: %w", url, err))
		return
	}

	if node.Asset != nil {
		if file, err := m.resolve(node.Asset.ContentRootIndex, node.Asset.SubPath); err != nil {
			m.Problems = append(m.Problems, fmt.Errorf("asset %q: %w", url, err))
		} else {
			m.Assets[url] = file
		}
	}

	for _, p := range node.Patterns {
		dir, err := m.resolve(p.ContentRootIndex, "")
		if err != nil {
			m.Problems = append(m.Problems, fmt.Errorf("pattern %q at %q: %w", p.Pattern, url, err))
			continue
		}
		m.DiscoveryPatterns = append(m.DiscoveryPatterns, DiscoveryPattern{
			Directory: dir,
			Pattern:   p.Pattern,
			BaseURL:   url,
			Depth:     p.Depth,
		})
	}

	// Sorted for deterministic Problems and pattern order
	names := make([]string, 0, len(node.Children))
	for name := range node.Children {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		m.walk(node.Children[name], append(slices.Clone(segments), name))
	}
}

func (m *Manifest) resolve(index *int, subPath string) (string, error) {
	if index == nil {
		return "", fmt.Errorf("%w: missing", ErrInvalidContentRoot)
	}
	if *index < 0 || *index >= len(m.ContentRoots) {
		return "", fmt.Errorf("%w: %d of %d", ErrInvalidContentRoot, *index, len(m.ContentRoots))
	}
	root := m.ContentRoots[*index]
	if subPath == "" {
		return filepath.Clean(root), nil
	}
	return filepath.Join(root, filepath.FromSlash(subPath)), nil
}

// IsCompressed reports whether the asset is a precompressed variant of another asset
func IsCompressed(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".gz" || ext == ".br"
}

// IsBundle reports whether the asset is a generated scoped style bundle: the
// project bundle <assemblyName>.styles.css or a *.bundle.scp.css package bundle
func IsBundle(path, assemblyName string) bool {
	name := filepath.Base(path)
	if strings.HasSuffix(strings.ToLower(name), ".bundle.scp.css") {
		return true
	}
	return assemblyName != "" && strings.EqualFold(name, assemblyName+".styles.css")
}

// IsRegenerated reports whether the asset is a build output rather than a source
func (m *Manifest) IsRegenerated(path string) bool {
	return IsCompressed(path) || IsBundle(path, m.AssemblyName)
}

// SortedURLs returns the asset URLs in order
func (m *Manifest) SortedURLs() []string {
	urls := make([]string, 0, len(m.Assets))
	for url := range m.Assets {
		urls = append(urls, url)
	}
	sort.Strings(urls)
	return urls
}

// Resolve returns the URL a file is served at, either as a listed asset or
// through a discovery pattern
func (m *Manifest) Resolve(path string) (string, bool) {
	path = filepath.Clean(path)
	for _, url := range m.SortedURLs() {
		if m.Assets[url] == path {
			return url, true
		}
	}
	for _, p := range m.DiscoveryPatterns {
		rel, err := filepath.Rel(p.Directory, path)
		if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		rel = filepath.ToSlash(rel)
		if ok, err := doublestar.Match(p.Pattern, rel); err == nil && ok {
			if p.BaseURL == "" {
				return rel, true
			}
			return p.BaseURL + "/" + rel, true
		}
	}
	return "", false
}
