package graph

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/ritzau/buildwatch/pkg/build"
	"github.com/ritzau/buildwatch/pkg/logging"
	"github.com/ritzau/buildwatch/pkg/project"
)

// Root identifies what to load: a description, a directory holding exactly one
// description, or a single source file entry point
type Root struct {
	Path string
}

// Options control a graph load
type Options struct {
	GlobalProperties map[string]string
	// Framework selects one framework of a multi-framework root project
	Framework string
	// Required makes load failures errors. Otherwise they are logged and
	// LoadGraph returns a nil graph.
	Required bool
}

// Loader builds project graphs. Descriptions are parsed once and reused across
// loads through the evaluator's document cache.
type Loader struct {
	coord     *build.Coordinator
	evaluator *project.Evaluator
}

// NewLoader creates a loader. Loads hold the coordinator's lock so that the
// document cache is never populated while a build batch is running.
func NewLoader(coord *build.Coordinator, evaluator *project.Evaluator) *Loader {
	return &Loader{coord: coord, evaluator: evaluator}
}

// Invalidate drops a cached description after it changed on disk
func (l *Loader) Invalidate(path string) bool {
	return l.evaluator.Cache().Invalidate(filepath.Clean(path))
}

// LoadGraph evaluates the root and every project it references, transitively
func (l *Loader) LoadGraph(ctx context.Context, root Root, opts Options) (*ProjectGraph, error) {
	var g *ProjectGraph
	err := l.coord.Exclusive(ctx, func() error {
		var err error
		g, err = l.load(ctx, root, opts)
		return err
	})
	if err == nil {
		logging.InfoContext(ctx, "Loaded project graph", "root", root.Path, "projects", g.Len(), "cached", l.evaluator.Cache().Len())
		return g, nil
	}

	if errors.Is(err, build.ErrCancelled) || opts.Required {
		return nil, err
	}
	logging.WarnContext(ctx, "Could not load project graph", "root", root.Path, "error", err)
	return nil, nil
}

// builder accumulates nodes during one load
type builder struct {
	l      *Loader
	global map[string]string
	graph  *simple.DirectedGraph
	nodes  []*project.Node
	ids    map[string]int64
	queue  []*project.Node // added nodes whose references are not resolved yet
}

func (l *Loader) load(ctx context.Context, root Root, opts Options) (*ProjectGraph, error) {
	b := &builder{
		l:      l,
		global: maps.Clone(opts.GlobalProperties),
		graph:  simple.NewDirectedGraph(),
		ids:    map[string]int64{},
	}
	if b.global == nil {
		b.global = map[string]string{}
	}
	// TargetFramework selects inner nodes and never flows from the root
	delete(b.global, project.PropTargetFramework)

	rootNode, err := b.loadRoot(root, opts.Framework)
	if err != nil {
		return nil, err
	}

	// Breadth-first over references
	for len(b.queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n := b.queue[0]
		b.queue = b.queue[1:]

		deps, err := b.dependencies(n)
		if err != nil {
			return nil, err
		}
		for _, dep := range deps {
			b.add(dep)
			b.link(dep, n)
		}
	}

	return b.finish(rootNode)
}

func (b *builder) loadRoot(root Root, framework string) (*project.Node, error) {
	path, err := resolveRootPath(root.Path)
	if err != nil {
		return nil, err
	}

	var doc *project.Document
	if project.IsEntryPoint(path) {
		doc, err = project.SynthesizeEntryPoint(path)
	} else {
		doc, err = b.l.evaluator.Load(path)
	}
	if err != nil {
		return nil, loadErrorf(ErrLoad, path, "%v", err)
	}

	node, err := b.l.evaluator.EvaluateDocument(doc, b.global)
	if err != nil {
		return nil, loadErrorf(ErrLoad, path, "%v", err)
	}

	if framework != "" {
		if !slices.Contains(node.TargetFrameworks(), framework) && node.TargetFramework() != framework {
			return nil, loadErrorf(ErrLoad, path, "framework %s is not targeted by the project", framework)
		}
		if node.TargetFramework() != framework {
			node, err = b.l.evaluator.EvaluateDocument(doc, withFramework(b.global, framework))
			if err != nil {
				return nil, loadErrorf(ErrLoad, path, "%v", err)
			}
		}
	}

	b.add(node)
	if err := b.expandInner(node, doc); err != nil {
		return nil, err
	}
	return node, nil
}

// resolveRootPath accepts a description, an entry point or a directory
func resolveRootPath(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", loadErrorf(ErrLoad, p, "%v", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", loadErrorf(ErrLoad, abs, "project file does not exist")
	}
	if !info.IsDir() {
		return abs, nil
	}

	matches, err := filepath.Glob(filepath.Join(abs, "*.*proj"))
	if err != nil {
		return "", loadErrorf(ErrLoad, abs, "%v", err)
	}
	switch len(matches) {
	case 0:
		return "", loadErrorf(ErrLoad, abs, "no project file found in directory")
	case 1:
		return matches[0], nil
	default:
		return "", loadErrorf(ErrLoad, abs, "multiple project files found: %s", strings.Join(matches, ", "))
	}
}

// expandInner adds one inner node per framework of a multi-framework outer node
func (b *builder) expandInner(outer *project.Node, doc *project.Document) error {
	if outer.TargetFramework() != "" {
		return nil
	}
	for _, tfm := range outer.TargetFrameworks() {
		inner, err := b.l.evaluator.EvaluateDocument(doc, withFramework(outer.GlobalProperties(), tfm))
		if err != nil {
			return loadErrorf(ErrLoad, outer.Path(), "%v", err)
		}
		b.add(inner)
		b.link(inner, outer)
	}
	return nil
}

// dependencies resolves the references of n to nodes. References marked
// Watch="false" are not followed.
func (b *builder) dependencies(n *project.Node) ([]*project.Node, error) {
	// Outer nodes depend on their inner nodes, already linked by expandInner
	if n.TargetFramework() == "" && len(n.TargetFrameworks()) > 0 {
		return nil, nil
	}

	var deps []*project.Node
	for _, ref := range n.References() {
		if !ref.Watch {
			logging.Debug("Not following unwatched project reference", "project", n.Path(), "reference", ref.Include)
			continue
		}
		info, err := os.Stat(ref.Path)
		if err != nil || info.IsDir() {
			return nil, loadErrorf(ErrMissingReference, n.Path(), "reference %s does not exist", ref.Include)
		}

		dep, err := b.reference(ref.Path, n.TargetFramework())
		if err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, nil
}

// reference evaluates a referenced project. A multi-framework project is
// represented by its inner node for the referencing framework when it has one,
// otherwise by its outer node.
func (b *builder) reference(path, framework string) (*project.Node, error) {
	if id, ok := b.ids[path]; ok {
		existing := b.nodes[id]
		if framework == "" || !slices.Contains(existing.TargetFrameworks(), framework) {
			return existing, nil
		}
	}
	if id, ok := b.ids[path+"|"+framework]; ok && framework != "" {
		return b.nodes[id], nil
	}

	doc, err := b.l.evaluator.Load(path)
	if err != nil {
		return nil, loadErrorf(ErrLoad, path, "%v", err)
	}
	outer, err := b.l.evaluator.EvaluateDocument(doc, b.global)
	if err != nil {
		return nil, loadErrorf(ErrLoad, path, "%v", err)
	}
	if outer.TargetFramework() != "" || len(outer.TargetFrameworks()) == 0 {
		return outer, nil
	}

	if _, seen := b.ids[outer.ID()]; !seen {
		b.add(outer)
		if err := b.expandInner(outer, doc); err != nil {
			return nil, err
		}
	}
	if framework != "" && slices.Contains(outer.TargetFrameworks(), framework) {
		return b.nodes[b.ids[path+"|"+framework]], nil
	}
	return b.nodes[b.ids[outer.ID()]], nil
}

// add registers a node and reports whether it is new
func (b *builder) add(n *project.Node) bool {
	if _, ok := b.ids[n.ID()]; ok {
		return false
	}
	id := int64(len(b.nodes))
	b.ids[n.ID()] = id
	b.nodes = append(b.nodes, n)
	b.queue = append(b.queue, n)
	b.graph.AddNode(simple.Node(id))
	return true
}

// link records that dependent references dependency
func (b *builder) link(dependency, dependent *project.Node) {
	from, to := b.ids[dependency.ID()], b.ids[dependent.ID()]
	if from == to || b.graph.HasEdgeFromTo(from, to) {
		return
	}
	b.graph.SetEdge(b.graph.NewEdge(b.graph.Node(from), b.graph.Node(to)))
}

func (b *builder) finish(entry *project.Node) (*ProjectGraph, error) {
	sorted, err := topo.SortStabilized(b.graph, nil)
	if err != nil {
		var cycles topo.Unorderable
		if errors.As(err, &cycles) {
			return nil, loadErrorf(ErrReferenceCycle, entry.Path(), "%s", b.describeCycles(cycles))
		}
		return nil, loadErrorf(ErrLoad, entry.Path(), "%v", err)
	}

	g := &ProjectGraph{
		graph: b.graph,
		nodes: b.nodes,
		ids:   b.ids,
		entry: entry,
	}
	for _, gn := range sorted {
		n := b.nodes[gn.ID()]
		g.order = append(g.order, n)
		if b.graph.From(gn.ID()).Len() == 0 {
			g.roots = append(g.roots, n)
		}
	}
	return g, nil
}

func (b *builder) describeCycles(cycles topo.Unorderable) string {
	var parts []string
	for _, component := range cycles {
		var names []string
		for _, gn := range component {
			names = append(names, b.nodes[gn.ID()].Path())
		}
		slices.Sort(names)
		parts = append(parts, strings.Join(names, " <-> "))
	}
	return fmt.Sprintf("cycle between %s", strings.Join(parts, "; "))
}

func withFramework(global map[string]string, framework string) map[string]string {
	out := maps.Clone(global)
	if out == nil {
		out = map[string]string{}
	}
	out[project.PropTargetFramework] = framework
	return out
}
