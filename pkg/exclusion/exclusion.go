// Package exclusion decides which changed paths cannot trigger a rebuild.
//
// Rules come from each project's default item excludes, or from its output
// directories when the project does not use default items. Every glob is split
// into a fixed directory prefix, a wildcard directory part and a file pattern;
// the prefix indexes the rule so a lookup only evaluates globs rooted at one of
// the path's ancestors.
package exclusion

import (
	"fmt"
	"io"
	"path"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/ritzau/buildwatch/pkg/graph"
	"github.com/ritzau/buildwatch/pkg/logging"
	"github.com/ritzau/buildwatch/pkg/model"
	"github.com/ritzau/buildwatch/pkg/project"
)

// maxPathLength bounds prefixes considered for directory-level exclusion
const maxPathLength = 4096

// Kind tags a rule
type Kind int

const (
	// DirectoryPrefix excludes everything under a known output directory
	DirectoryPrefix Kind = iota
	// RecursiveGlob excludes everything under its prefix; the prefix is also
	// reported as a directory not worth watching
	RecursiveGlob
	// Glob is matched per path
	Glob
)

func (k Kind) String() string {
	switch k {
	case DirectoryPrefix:
		return "directory"
	case RecursiveGlob:
		return "recursive-glob"
	case Glob:
		return "glob"
	default:
		return "unknown"
	}
}

// Rule is one compiled exclusion. Paths are slash separated internally.
type Rule struct {
	Kind        Kind
	Pattern     string // pattern text as written in the project
	ProjectDir  string // directory of the project that declared it
	Prefix      string // absolute directory the rule is rooted at
	WildcardDir string // directory part after the prefix, may be empty
	FilePattern string // last segment of the pattern
}

// triple identifies rules that match the same paths
func (r *Rule) triple() string {
	return r.Prefix + "\x00" + r.WildcardDir + "\x00" + r.FilePattern
}

// relative returns the glob matched against the path below Prefix
func (r *Rule) relative() string {
	if r.WildcardDir == "" {
		return r.FilePattern
	}
	return r.WildcardDir + "/" + r.FilePattern
}

// matches evaluates the rule for a slash separated absolute path
func (r *Rule) matches(p string) bool {
	if r.Kind == DirectoryPrefix {
		return p == r.Prefix || strings.HasPrefix(p, withSlash(r.Prefix))
	}
	rel, ok := strings.CutPrefix(p, withSlash(r.Prefix))
	if !ok {
		return false
	}
	matched, err := doublestar.Match(r.relative(), rel)
	return err == nil && matched
}

func (r *Rule) String() string {
	switch r.Kind {
	case DirectoryPrefix:
		return fmt.Sprintf("%s %s", r.Kind, filepath.FromSlash(r.Prefix))
	default:
		return fmt.Sprintf("%s %s (%s in %s)", r.Kind, filepath.FromSlash(r.Prefix+"/"+r.relative()), r.Pattern, filepath.FromSlash(r.ProjectDir))
	}
}

// Ruleset is the read-only set of exclusions for one evaluation pass
type Ruleset struct {
	rules        []*Rule
	byPrefix     map[string][]*Rule
	excludedDirs map[string]struct{}
}

// Build compiles the exclusion rules of every node in the graph
func Build(g *graph.ProjectGraph) *Ruleset {
	if g == nil {
		return BuildNodes(nil)
	}
	return BuildNodes(g.NodesTopologicallySorted())
}

// BuildNodes compiles the exclusion rules of the given nodes
func BuildNodes(nodes []*project.Node) *Ruleset {
	rs := &Ruleset{
		byPrefix:     map[string][]*Rule{},
		excludedDirs: map[string]struct{}{},
	}
	seen := map[string]bool{}
	add := func(r *Rule) {
		key := fmt.Sprintf("%d\x00%s", r.Kind, r.triple())
		if r.Kind != DirectoryPrefix {
			key = r.triple()
		}
		if seen[key] {
			return
		}
		seen[key] = true
		rs.rules = append(rs.rules, r)
		rs.byPrefix[r.Prefix] = append(rs.byPrefix[r.Prefix], r)
		if r.Kind == RecursiveGlob {
			rs.excludedDirs[r.Prefix] = struct{}{}
		}
	}

	for _, n := range nodes {
		dir := filepath.ToSlash(n.Dir())
		if !n.BoolProperty(project.PropEnableDefaultItems) {
			for _, prop := range []string{project.PropOutputPath, project.PropIntermediateOutputPath} {
				if out := strings.TrimSpace(n.Property(prop)); out != "" {
					add(&Rule{
						Kind:       DirectoryPrefix,
						Pattern:    out,
						ProjectDir: dir,
						Prefix:     trimSlash(filepath.ToSlash(n.ResolvePath(out))),
					})
				}
			}
			continue
		}
		for _, pattern := range strings.Split(n.Property(project.PropDefaultItemExcludes), ";") {
			if pattern = strings.TrimSpace(pattern); pattern == "" {
				continue
			}
			if r := compile(pattern, dir); r != nil {
				add(r)
			}
		}
	}
	return rs
}

// compile splits a pattern into its structural parts. Relative patterns are
// rooted at dir.
func compile(pattern, dir string) *Rule {
	p := strings.ReplaceAll(pattern, `\`, "/")
	for strings.Contains(p, "//") {
		p = strings.ReplaceAll(p, "//", "/")
	}

	base := dir
	if path.IsAbs(p) || filepath.IsAbs(filepath.FromSlash(p)) {
		base = ""
	}

	segments := strings.Split(strings.Trim(p, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		return nil
	}

	fixed := 0
	for fixed < len(segments)-1 && !hasWildcard(segments[fixed]) {
		fixed++
	}
	prefix := strings.Join(segments[:fixed], "/")
	switch {
	case base != "" && prefix != "":
		prefix = base + "/" + prefix
	case base != "":
		prefix = base
	case strings.HasPrefix(p, "/"):
		prefix = "/" + prefix
	}
	prefix = trimSlash(path.Clean(prefix))

	file := segments[len(segments)-1]
	// msbuild treats *.* as any file name, extension or not
	if file == "*.*" {
		file = "*"
	}
	r := &Rule{
		Kind:        Glob,
		Pattern:     pattern,
		ProjectDir:  dir,
		Prefix:      prefix,
		WildcardDir: strings.Join(segments[fixed:len(segments)-1], "/"),
		FilePattern: file,
	}
	if !doublestar.ValidatePattern(r.relative()) {
		logging.Debug("Ignoring invalid exclude pattern", "pattern", pattern, "project", dir)
		return nil
	}
	if prefix == "/" && strings.HasPrefix(r.relative(), "**") {
		// Usually an empty property in front of /**
		logging.Debug("Ignoring exclude pattern rooted at the file system root", "pattern", pattern, "project", dir)
		return nil
	}

	if isRecursive(r) {
		if reason := unrepresentable(prefix); reason != "" {
			logging.Debug("Not skipping directory for exclude pattern", "pattern", pattern, "reason", reason)
		} else {
			r.Kind = RecursiveGlob
		}
	}
	return r
}

// isRecursive recognizes dir/**, dir/**/* and dir/**/*.* with a literal dir
func isRecursive(r *Rule) bool {
	if r.Prefix == "" || r.Prefix == "/" {
		return false
	}
	switch {
	case r.WildcardDir == "" && r.FilePattern == "**":
		return true
	case r.WildcardDir == "**" && r.FilePattern == "*":
		return true
	}
	return false
}

// unrepresentable explains why a prefix cannot be used as a directory, or
// returns "" when it can
func unrepresentable(p string) string {
	if len(p) > maxPathLength {
		return "path too long"
	}
	for _, c := range p {
		if c < 0x20 {
			return "control character in path"
		}
		if strings.ContainsRune(`<>"|`, c) {
			return fmt.Sprintf("invalid character %q in path", c)
		}
	}
	if strings.Contains(p, "$(") {
		return "unexpanded property in path"
	}
	return ""
}

func hasWildcard(segment string) bool {
	return strings.ContainsAny(segment, "*?[{")
}

func withSlash(p string) string {
	if strings.HasSuffix(p, "/") {
		return p
	}
	return p + "/"
}

func trimSlash(p string) string {
	if len(p) > 1 {
		return strings.TrimSuffix(p, "/")
	}
	return p
}

// IsExcluded reports whether a change to path should be ignored. Only rules
// rooted at one of the path's ancestors are evaluated.
func (rs *Ruleset) IsExcluded(p string, kind model.ChangeKind) bool {
	if rs == nil {
		return false
	}
	p = trimSlash(filepath.ToSlash(filepath.Clean(p)))

	for dir := p; ; {
		if _, ok := rs.excludedDirs[dir]; ok {
			logging.Trace("Ignoring change in excluded directory", "path", p, "kind", kind, "directory", dir)
			return true
		}
		for _, r := range rs.byPrefix[dir] {
			if r.matches(p) {
				logging.Trace("Ignoring change matching exclusion", "path", p, "kind", kind, "rule", r.String())
				return true
			}
		}
		parent := path.Dir(dir)
		if parent == dir || parent == "." {
			break
		}
		dir = parent
	}
	return false
}

// ExcludedDirectories returns directories wholly excluded by recursive globs,
// in native separator form and sorted
func (rs *Ruleset) ExcludedDirectories() []string {
	if rs == nil {
		return nil
	}
	dirs := make([]string, 0, len(rs.excludedDirs))
	for d := range rs.excludedDirs {
		dirs = append(dirs, filepath.FromSlash(d))
	}
	sort.Strings(dirs)
	return dirs
}

// SkippedDirectories returns every directory a recursive watch should not
// descend into: the excluded directories plus known output directories
func (rs *Ruleset) SkippedDirectories() []string {
	if rs == nil {
		return nil
	}
	seen := map[string]struct{}{}
	for d := range rs.excludedDirs {
		seen[d] = struct{}{}
	}
	for _, r := range rs.rules {
		if r.Kind == DirectoryPrefix {
			seen[r.Prefix] = struct{}{}
		}
	}
	dirs := make([]string, 0, len(seen))
	for d := range seen {
		dirs = append(dirs, filepath.FromSlash(d))
	}
	sort.Strings(dirs)
	return dirs
}

// IsExcludedDirectory reports whether dir lies in a wholly excluded directory
func (rs *Ruleset) IsExcludedDirectory(dir string) bool {
	if rs == nil {
		return false
	}
	d := trimSlash(filepath.ToSlash(filepath.Clean(dir)))
	for {
		if _, ok := rs.excludedDirs[d]; ok {
			return true
		}
		for _, r := range rs.byPrefix[d] {
			if r.Kind == DirectoryPrefix {
				return true
			}
		}
		parent := path.Dir(d)
		if parent == d || parent == "." {
			return false
		}
		d = parent
	}
}

// Rules returns the compiled rules in declaration order
func (rs *Ruleset) Rules() []*Rule {
	if rs == nil {
		return nil
	}
	return slices.Clone(rs.rules)
}

// Dump writes every active rule for troubleshooting
func (rs *Ruleset) Dump(w io.Writer) error {
	rules := rs.Rules()
	if _, err := fmt.Fprintf(w, "%d exclusion rules, %d excluded directories\n", len(rules), len(rs.ExcludedDirectories())); err != nil {
		return err
	}
	for _, r := range rules {
		if _, err := fmt.Fprintf(w, "  %s\n", r); err != nil {
			return err
		}
	}
	return nil
}

// Report logs the active rules at debug level
func (rs *Ruleset) Report() {
	for _, r := range rs.Rules() {
		logging.Debug("Exclusion rule", "rule", r.String())
	}
}
