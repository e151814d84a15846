package project

import (
	"maps"
	"path/filepath"
	"slices"
	"strings"
)

// Reference is a project-to-project reference declared by a description
type Reference struct {
	Path    string // Absolute path of the referenced description
	Include string // Include text as written, for diagnostics
	Watch   bool   // False when the reference carries Watch="false"
}

// Node is one evaluated build unit. Nodes are immutable: every accessor returns
// copies, so holding a *Node is a stable snapshot of its evaluated state.
type Node struct {
	path       string
	framework  string
	frameworks []string
	props      map[string]property // keyed by lower-cased name
	global     map[string]string
	imports    []string
	references []Reference
	targets    map[string]struct{} // keyed by lower-cased name
	targetList []string            // declared names in declaration order
	synthetic  bool
	buildPath  string
}

type property struct {
	name  string
	value string
}

// Path returns the absolute description path (synthesized for single-file entry points)
func (n *Node) Path() string {
	return n.path
}

// BuildPath returns the description file the build engine is invoked on. It
// is Path except for synthesized descriptions, which are written below their
// artifacts directory.
func (n *Node) BuildPath() string {
	if n.buildPath != "" {
		return n.buildPath
	}
	return n.path
}

// Dir returns the directory containing the description
func (n *Node) Dir() string {
	return filepath.Dir(n.path)
}

// ID identifies the node within a graph. Inner nodes of multi-framework projects
// share a path, so the framework is part of the ID.
func (n *Node) ID() string {
	if tfm := n.global[PropTargetFramework]; tfm != "" {
		return n.path + "|" + tfm
	}
	return n.path
}

// Name returns the file name of the description without extension
func (n *Node) Name() string {
	base := filepath.Base(n.path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// AssemblyName returns the AssemblyName property, defaulting to Name
func (n *Node) AssemblyName() string {
	if name := strings.TrimSpace(n.Property(PropAssemblyName)); name != "" {
		return name
	}
	return n.Name()
}

// TargetFramework returns the single framework the node builds for, or "" for
// outer nodes of multi-framework projects and non-executable aggregator projects
func (n *Node) TargetFramework() string {
	return n.framework
}

// TargetFrameworks returns the frameworks declared through TargetFrameworks
func (n *Node) TargetFrameworks() []string {
	return slices.Clone(n.frameworks)
}

// Property returns an evaluated property value, "" if undefined
func (n *Node) Property(name string) string {
	return n.props[strings.ToLower(name)].value
}

// BoolProperty returns true when the property equals "true" (case-insensitive)
func (n *Node) BoolProperty(name string) bool {
	return strings.EqualFold(strings.TrimSpace(n.Property(name)), "true")
}

// Properties returns a copy of all evaluated properties
func (n *Node) Properties() map[string]string {
	out := make(map[string]string, len(n.props))
	for _, p := range n.props {
		out[p.name] = p.value
	}
	return out
}

// GlobalProperties returns the global property overrides the node was evaluated with
func (n *Node) GlobalProperties() map[string]string {
	return maps.Clone(n.global)
}

// Imports returns every file imported during evaluation, in import order
func (n *Node) Imports() []string {
	return slices.Clone(n.imports)
}

// References returns the declared project references
func (n *Node) References() []Reference {
	return slices.Clone(n.references)
}

// HasTarget reports whether the node declares or inherits the named target
func (n *Node) HasTarget(name string) bool {
	_, ok := n.targets[strings.ToLower(name)]
	return ok
}

// Targets returns the declared target names
func (n *Node) Targets() []string {
	return slices.Clone(n.targetList)
}

// IsSynthetic reports whether the description was synthesized from a source file
func (n *Node) IsSynthetic() bool {
	return n.synthetic
}

// ResolvePath makes a project-relative path absolute
func (n *Node) ResolvePath(p string) string {
	p = normalizeSeparators(p)
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(n.Dir(), p)
}

// normalizeSeparators accepts both separators in descriptions
func normalizeSeparators(p string) string {
	if filepath.Separator == '/' {
		return strings.ReplaceAll(p, `\`, "/")
	}
	return strings.ReplaceAll(p, "/", `\`)
}

// NodeSpec holds the evaluated state used to build a Node
type NodeSpec struct {
	Path             string
	Properties       map[string]string
	GlobalProperties map[string]string
	Imports          []string
	References       []Reference
	Targets          []string
	Synthetic        bool
	BuildPath        string
}

// NewNode creates an immutable node, copying everything in spec
func NewNode(spec NodeSpec) *Node {
	n := &Node{
		path:       filepath.Clean(spec.Path),
		props:      make(map[string]property, len(spec.Properties)),
		global:     maps.Clone(spec.GlobalProperties),
		imports:    slices.Clone(spec.Imports),
		references: slices.Clone(spec.References),
		targets:    make(map[string]struct{}, len(spec.Targets)),
		synthetic:  spec.Synthetic,
	}
	if spec.BuildPath != "" {
		n.buildPath = filepath.Clean(spec.BuildPath)
	}
	if n.global == nil {
		n.global = map[string]string{}
	}
	for name, value := range spec.Properties {
		n.props[strings.ToLower(name)] = property{name: name, value: value}
	}
	for _, t := range spec.Targets {
		key := strings.ToLower(t)
		if _, dup := n.targets[key]; dup {
			continue
		}
		n.targets[key] = struct{}{}
		n.targetList = append(n.targetList, t)
	}
	n.framework = strings.TrimSpace(n.Property(PropTargetFramework))
	n.frameworks = splitList(n.Property(PropTargetFrameworks))
	return n
}
