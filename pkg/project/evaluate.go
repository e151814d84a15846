package project

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/ritzau/buildwatch/pkg/logging"
)

// Evaluator turns descriptions into Nodes. Evaluation is tolerant: missing,
// circular and unparseable imports are skipped, and conditions it cannot parse
// are treated as true so that discovery errs on the side of watching more.
type Evaluator struct {
	cache *DocumentCache
}

// NewEvaluator creates an evaluator reading descriptions through cache
func NewEvaluator(cache *DocumentCache) *Evaluator {
	if cache == nil {
		cache = NewDocumentCache(DefaultCacheSize)
	}
	return &Evaluator{cache: cache}
}

// Cache returns the document cache used by the evaluator
func (e *Evaluator) Cache() *DocumentCache {
	return e.cache
}

// Load returns the parsed description at path, from cache when possible
func (e *Evaluator) Load(path string) (*Document, error) {
	return e.cache.GetOrLoad(filepath.Clean(path), LoadDocument)
}

// Evaluate loads and evaluates the description at path
func (e *Evaluator) Evaluate(path string, global map[string]string) (*Node, error) {
	doc, err := e.Load(path)
	if err != nil {
		return nil, err
	}
	return e.EvaluateDocument(doc, global)
}

// EvaluateDocument evaluates an already parsed description. Only a failure to
// read the document itself is an error; everything below it is best effort.
func (e *Evaluator) EvaluateDocument(doc *Document, global map[string]string) (*Node, error) {
	if doc == nil {
		return nil, fmt.Errorf("no document to evaluate")
	}

	path, err := filepath.Abs(doc.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", doc.Path, err)
	}

	s := &evaluation{
		e:         e,
		project:   path,
		props:     map[string]property{},
		global:    map[string]property{},
		importing: map[string]bool{path: true},
	}
	for name, value := range global {
		s.global[strings.ToLower(name)] = property{name: name, value: value}
	}

	sdks := doc.SdkReferences()
	s.thisFile = path

	for _, sdk := range sdks {
		s.sdkProps(sdk)
	}
	if len(sdks) > 0 {
		s.importDirectoryBuild("Directory.Build.props", PropImportDirectoryBuildProps)
	}

	s.walk(doc.Root.Children)

	if len(sdks) > 0 {
		s.importDirectoryBuild("Directory.Build.targets", PropImportDirectoryBuildTargets)
	}
	for _, sdk := range sdks {
		s.sdkTargets(sdk)
	}

	props := make(map[string]string, len(s.props)+len(s.global))
	for _, p := range s.props {
		props[p.name] = p.value
	}
	for _, p := range s.global {
		props[p.name] = p.value
	}

	return NewNode(NodeSpec{
		Path:             path,
		Properties:       props,
		GlobalProperties: global,
		Imports:          s.imports,
		References:       s.references,
		Targets:          s.targets,
		Synthetic:        doc.Synthetic,
		BuildPath:        doc.BuildPath,
	}), nil
}

// evaluation is the mutable state of one Evaluate call
type evaluation struct {
	e          *Evaluator
	project    string
	thisFile   string
	props      map[string]property
	global     map[string]property
	imports    []string
	importing  map[string]bool
	references []Reference
	targets    []string
	sdkApplied []string
}

func (s *evaluation) lookup(name string) string {
	key := strings.ToLower(name)
	if p, ok := s.global[key]; ok {
		return p.value
	}
	if v, ok := s.reserved(key); ok {
		return v
	}
	return s.props[key].value
}

func (s *evaluation) reserved(key string) (string, bool) {
	withSlash := func(dir string) string {
		return dir + string(filepath.Separator)
	}
	switch key {
	case "msbuildprojectfullpath":
		return s.project, true
	case "msbuildprojectdirectory":
		return filepath.Dir(s.project), true
	case "msbuildprojectfile":
		return filepath.Base(s.project), true
	case "msbuildprojectname":
		base := filepath.Base(s.project)
		return strings.TrimSuffix(base, filepath.Ext(base)), true
	case "msbuildprojectextension":
		return filepath.Ext(s.project), true
	case "msbuildthisfile":
		return filepath.Base(s.thisFile), true
	case "msbuildthisfilefullpath":
		return s.thisFile, true
	case "msbuildthisfiledirectory":
		return withSlash(filepath.Dir(s.thisFile)), true
	case "msbuildthisfilename":
		base := filepath.Base(s.thisFile)
		return strings.TrimSuffix(base, filepath.Ext(base)), true
	}
	return "", false
}

func (s *evaluation) expand(text string) string {
	return expand(text, s.lookup)
}

// set assigns a property unless a global property of the same name exists
func (s *evaluation) set(name, value string) {
	key := strings.ToLower(name)
	if _, ok := s.global[key]; ok {
		return
	}
	if _, ok := s.reserved(key); ok {
		return
	}
	s.props[key] = property{name: name, value: value}
}

// setDefault assigns a property only when it is still empty
func (s *evaluation) setDefault(name, value string) {
	if s.lookup(name) == "" {
		s.set(name, value)
	}
}

// condition evaluates an element's Condition attribute
func (s *evaluation) condition(el *Element) bool {
	cond := el.Attr("Condition")
	if cond == "" {
		return true
	}
	ok, err := evalCondition(cond, conditionEnv{lookup: s.lookup, dir: filepath.Dir(s.project)})
	if err != nil {
		logging.Debug("Treating unparseable condition as true",
			"file", s.thisFile, "condition", cond, "error", err)
		return true
	}
	return ok
}

// walk evaluates project-level elements in document order
func (s *evaluation) walk(children []Element) {
	for i := range children {
		el := &children[i]
		if !s.condition(el) {
			continue
		}

		switch el.Name() {
		case "PropertyGroup":
			s.propertyGroup(el)
		case "ItemGroup":
			s.itemGroup(el)
		case "Import":
			s.importElement(el)
		case "ImportGroup":
			for j := range el.Children {
				child := &el.Children[j]
				if child.Name() == "Import" && s.condition(child) {
					s.importElement(child)
				}
			}
		case "Choose":
			s.choose(el)
		case "Target":
			if name := strings.TrimSpace(el.Attr("Name")); name != "" {
				s.targets = append(s.targets, name)
			}
		}
	}
}

func (s *evaluation) propertyGroup(el *Element) {
	for i := range el.Children {
		prop := &el.Children[i]
		if !s.condition(prop) {
			continue
		}
		s.set(prop.Name(), s.expand(strings.TrimSpace(prop.Text)))
	}
}

func (s *evaluation) choose(el *Element) {
	for i := range el.Children {
		branch := &el.Children[i]
		switch branch.Name() {
		case "When":
			if s.condition(branch) {
				s.walk(branch.Children)
				return
			}
		case "Otherwise":
			s.walk(branch.Children)
			return
		}
	}
}

// itemGroup collects project references. Other items are left to the build
// engine, which reports them through the design-time build.
func (s *evaluation) itemGroup(el *Element) {
	for i := range el.Children {
		item := &el.Children[i]
		if item.Name() != "ProjectReference" || !s.condition(item) {
			continue
		}

		if remove := item.Attr("Remove"); remove != "" {
			for _, p := range s.resolveItems(remove) {
				s.references = slices.DeleteFunc(s.references, func(r Reference) bool {
					return r.Path == p
				})
			}
		}

		include := item.Attr("Include")
		if include == "" {
			continue
		}
		watch := !strings.EqualFold(strings.TrimSpace(s.metadata(item, "Watch")), "false")
		for _, p := range s.resolveItems(include) {
			if slices.ContainsFunc(s.references, func(r Reference) bool { return r.Path == p }) {
				continue
			}
			s.references = append(s.references, Reference{Path: p, Include: include, Watch: watch})
		}
	}
}

// metadata reads item metadata from an attribute or a child element
func (s *evaluation) metadata(item *Element, name string) string {
	if item.HasAttr(name) {
		return s.expand(item.Attr(name))
	}
	for i := range item.Children {
		child := &item.Children[i]
		if strings.EqualFold(child.Name(), name) && s.condition(child) {
			return s.expand(child.Text)
		}
	}
	return ""
}

// resolveItems expands an item specification into absolute paths relative to the
// project directory. Wildcards are expanded against the file system; literal paths
// are returned whether or not they exist.
func (s *evaluation) resolveItems(spec string) []string {
	var paths []string
	dir := filepath.Dir(s.project)
	for _, part := range splitList(s.expand(spec)) {
		part = normalizeSeparators(part)
		if !filepath.IsAbs(part) {
			part = filepath.Join(dir, part)
		}
		if !strings.ContainsAny(part, "*?[") {
			paths = append(paths, filepath.Clean(part))
			continue
		}
		matches, err := doublestar.FilepathGlob(part)
		if err != nil {
			logging.Debug("Ignoring invalid item pattern", "file", s.thisFile, "pattern", part, "error", err)
			continue
		}
		paths = append(paths, matches...)
	}
	return paths
}

func (s *evaluation) importElement(el *Element) {
	project := s.expand(strings.TrimSpace(el.Attr("Project")))
	if sdk := el.Attr("Sdk"); sdk != "" {
		switch strings.ToLower(filepath.Base(project)) {
		case "sdk.props":
			s.sdkProps(sdkName(s.expand(sdk)))
		case "sdk.targets":
			s.sdkTargets(sdkName(s.expand(sdk)))
		}
		return
	}
	if project == "" {
		return
	}

	project = normalizeSeparators(project)
	if !filepath.IsAbs(project) {
		project = filepath.Join(filepath.Dir(s.thisFile), project)
	}

	if !strings.ContainsAny(project, "*?[") {
		s.importFile(filepath.Clean(project))
		return
	}
	matches, err := doublestar.FilepathGlob(project)
	if err != nil {
		logging.Debug("Ignoring invalid import pattern", "file", s.thisFile, "pattern", project, "error", err)
		return
	}
	for _, m := range matches {
		s.importFile(m)
	}
}

// importFile evaluates an imported file in place. Failures are logged and skipped.
func (s *evaluation) importFile(path string) {
	if s.importing[path] {
		logging.Debug("Ignoring circular import", "file", s.thisFile, "import", path)
		return
	}
	if _, err := os.Stat(path); err != nil {
		logging.Debug("Ignoring missing import", "file", s.thisFile, "import", path)
		return
	}
	doc, err := s.e.Load(path)
	if err != nil {
		logging.Debug("Ignoring unparseable import", "file", s.thisFile, "import", path, "error", err)
		return
	}

	if !slices.Contains(s.imports, path) {
		s.imports = append(s.imports, path)
	}

	parent := s.thisFile
	s.importing[path] = true
	s.thisFile = path
	s.walk(doc.Root.Children)
	s.thisFile = parent
	delete(s.importing, path)
}

// importDirectoryBuild imports the nearest file with the given name found by
// walking up from the project directory, unless disabled by the named property
func (s *evaluation) importDirectoryBuild(name, enabledProp string) {
	if strings.EqualFold(s.lookup(enabledProp), "false") {
		return
	}
	if found := findUpward(filepath.Dir(s.project), name); found != "" {
		s.importFile(found)
	}
}

func findUpward(dir, name string) string {
	for {
		candidate := filepath.Join(dir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// sdkProps applies the properties an SDK sets before the project body
func (s *evaluation) sdkProps(name string) {
	info, known := lookupSDK(name)
	if !known {
		logging.Debug("Unknown SDK, using base SDK defaults", "file", s.thisFile, "sdk", name)
	}
	for _, kv := range info.props {
		s.setDefault(kv[0], kv[1])
	}
}

// sdkTargets applies what an SDK computes after the project body: output paths,
// default item excludes and the targets the SDK provides
func (s *evaluation) sdkTargets(name string) {
	info, _ := lookupSDK(name)

	key := strings.ToLower(name)
	if slices.Contains(s.sdkApplied, key) {
		return
	}
	s.sdkApplied = append(s.sdkApplied, key)

	sep := string(filepath.Separator)
	if artifacts := s.lookup(PropArtifactsPath); artifacts != "" {
		artifacts = strings.TrimRight(normalizeSeparators(artifacts), sep)
		s.setDefault(PropBaseOutputPath, artifacts+sep+"bin"+sep)
		s.setDefault(PropBaseIntermediateOutputPath, artifacts+sep+"obj"+sep)
	} else {
		s.setDefault(PropBaseOutputPath, "bin"+sep)
		s.setDefault(PropBaseIntermediateOutputPath, "obj"+sep)
	}

	suffix := s.lookup(PropConfiguration) + sep
	if tfm := s.lookup(PropTargetFramework); tfm != "" && !strings.EqualFold(s.lookup(PropAppendTargetFramework), "false") {
		suffix += tfm + sep
	}
	s.setDefault(PropOutputPath, withTrailingSep(s.lookup(PropBaseOutputPath))+suffix)
	s.setDefault(PropIntermediateOutputPath, withTrailingSep(s.lookup(PropBaseIntermediateOutputPath))+suffix)

	if strings.EqualFold(s.lookup(PropEnableDefaultItems), "true") {
		excludes := s.lookup(PropDefaultItemExcludes)
		defaults := strings.ReplaceAll(s.expand(defaultExcludes), sep+sep, sep)
		if excludes != "" {
			excludes += ";"
		}
		s.set(PropDefaultItemExcludes, excludes+defaults)
	}

	s.targets = append(s.targets, info.targets...)
}

func withTrailingSep(p string) string {
	p = normalizeSeparators(p)
	if p == "" || strings.HasSuffix(p, string(filepath.Separator)) {
		return p
	}
	return p + string(filepath.Separator)
}
