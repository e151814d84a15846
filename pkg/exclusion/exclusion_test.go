package exclusion

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ritzau/buildwatch/pkg/model"
	"github.com/ritzau/buildwatch/pkg/project"
)

func nodeWithExcludes(dir, excludes string) *project.Node {
	return project.NewNode(project.NodeSpec{
		Path: filepath.Join(dir, "app.csproj"),
		Properties: map[string]string{
			project.PropEnableDefaultItems:  "true",
			project.PropDefaultItemExcludes: excludes,
		},
	})
}

func TestRecursiveExcludeSkipsDirectory(t *testing.T) {
	root := t.TempDir()
	rs := BuildNodes([]*project.Node{nodeWithExcludes(root, "bin/**")})

	dirs := rs.ExcludedDirectories()
	if len(dirs) != 1 || dirs[0] != filepath.Join(root, "bin") {
		t.Fatalf("ExcludedDirectories = %v, want [%s]", dirs, filepath.Join(root, "bin"))
	}
	if !rs.IsExcluded(filepath.Join(root, "bin", "Debug", "app.dll"), model.ChangeChanged) {
		t.Error("file under bin should be excluded")
	}
	if rs.IsExcluded(filepath.Join(root, "Program.cs"), model.ChangeChanged) {
		t.Error("Program.cs should not be excluded")
	}
	if rs.IsExcluded(filepath.Join(root, "binary", "x.cs"), model.ChangeChanged) {
		t.Error("sibling with a common name prefix should not be excluded")
	}
	if !rs.IsExcludedDirectory(filepath.Join(root, "bin", "Debug")) {
		t.Error("subdirectory of an excluded directory should be excluded")
	}
}

func TestExcludedDirectoryItself(t *testing.T) {
	root := t.TempDir()
	rs := BuildNodes([]*project.Node{nodeWithExcludes(root, "bin/**")})

	bin := filepath.Join(root, "bin")
	if !rs.IsExcludedDirectory(bin) {
		t.Fatal("bin should be an excluded directory")
	}
	for _, kind := range []model.ChangeKind{model.ChangeAdded, model.ChangeRemoved} {
		if !rs.IsExcluded(bin, kind) {
			t.Errorf("IsExcluded(%s, %v) should agree with IsExcludedDirectory", bin, kind)
		}
	}
	if rs.IsExcluded(root, model.ChangeChanged) || rs.IsExcludedDirectory(root) {
		t.Error("the project directory is not excluded")
	}
}

func TestPatternClassification(t *testing.T) {
	dir := "/src/app"
	tests := []struct {
		pattern  string
		kind     Kind
		prefix   string
		wildcard string
		file     string
	}{
		{"bin/**", RecursiveGlob, "/src/app/bin", "", "**"},
		{"obj/**/*", RecursiveGlob, "/src/app/obj", "**", "*"},
		{`obj\Debug\**\*.*`, RecursiveGlob, "/src/app/obj/Debug", "**", "*"},
		{"**/*.user", Glob, "/src/app", "**", "*.user"},
		{"**/.*/**", Glob, "/src/app", "**/.*", "**"},
		{"*.sln", Glob, "/src/app", "", "*.sln"},
		{"/tmp/artifacts//bin/**", RecursiveGlob, "/tmp/artifacts/bin", "", "**"},
		{"node_modules/*.js", Glob, "/src/app/node_modules", "", "*.js"},
		{"bad\x01dir/**", Glob, "/src/app/bad\x01dir", "", "**"},
	}
	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			r := compile(tt.pattern, dir)
			if r == nil {
				t.Fatal("compile returned nil")
			}
			if r.Kind != tt.kind || r.Prefix != tt.prefix || r.WildcardDir != tt.wildcard || r.FilePattern != tt.file {
				t.Errorf("compile(%q) = %s %q %q %q, want %s %q %q %q", tt.pattern,
					r.Kind, r.Prefix, r.WildcardDir, r.FilePattern,
					tt.kind, tt.prefix, tt.wildcard, tt.file)
			}
		})
	}
}

func TestUnrepresentablePrefixStillMatches(t *testing.T) {
	dir := "/src/app"
	rs := BuildNodes([]*project.Node{nodeWithExcludes(dir, "bad\x01dir/**")})
	if len(rs.ExcludedDirectories()) != 0 {
		t.Errorf("unrepresentable prefix should not become a directory exclusion: %v", rs.ExcludedDirectories())
	}
	if !rs.IsExcluded("/src/app/bad\x01dir/file.txt", model.ChangeAdded) {
		t.Error("glob should still match per path")
	}
}

func TestDefaultExcludes(t *testing.T) {
	dir := "/src/app"
	rs := BuildNodes([]*project.Node{nodeWithExcludes(dir,
		"bin/**;obj/**;**/*.user;**/*.*proj;**/*.sln;**/.*/**")})

	tests := []struct {
		path string
		want bool
	}{
		{"/src/app/Program.cs", false},
		{"/src/app/Pages/Index.razor", false},
		{"/src/app/obj/project.assets.json", true},
		{"/src/app/app.csproj.user", true},
		{"/src/app/lib/lib.csproj", true},
		{"/src/app/.git/HEAD", true},
		{"/src/app/src/.vs/settings.json", true},
		{"/src/other/bin/x.dll", false},
	}
	for _, tt := range tests {
		if got := rs.IsExcluded(tt.path, model.ChangeChanged); got != tt.want {
			t.Errorf("IsExcluded(%s) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestDeduplicatesAcrossProjects(t *testing.T) {
	dir := "/src/app"
	a := nodeWithExcludes(dir, "bin/**;**/*.user")
	b := project.NewNode(project.NodeSpec{
		Path: filepath.Join(dir, "tests.csproj"),
		Properties: map[string]string{
			project.PropEnableDefaultItems:  "true",
			project.PropDefaultItemExcludes: `bin\**;**//*.user`,
		},
	})
	rs := BuildNodes([]*project.Node{a, b})
	if n := len(rs.Rules()); n != 2 {
		t.Errorf("expected 2 rules after deduplication, got %d", n)
	}
}

func TestOptOutUsesOutputDirectories(t *testing.T) {
	dir := "/src/app"
	n := project.NewNode(project.NodeSpec{
		Path: filepath.Join(dir, "app.csproj"),
		Properties: map[string]string{
			project.PropEnableDefaultItems:     "false",
			project.PropDefaultItemExcludes:    "**/*.cs",
			project.PropOutputPath:             "bin/Debug/",
			project.PropIntermediateOutputPath: "obj/Debug/",
		},
	})
	rs := BuildNodes([]*project.Node{n})

	if rs.IsExcluded("/src/app/Program.cs", model.ChangeChanged) {
		t.Error("excludes of an opted-out project should be ignored")
	}
	if !rs.IsExcluded("/src/app/bin/Debug/app.dll", model.ChangeChanged) {
		t.Error("output directory should be excluded")
	}
	if !rs.IsExcluded("/src/app/obj/Debug/app.pdb", model.ChangeChanged) {
		t.Error("intermediate directory should be excluded")
	}
	if rs.IsExcluded("/src/app/bin/Release/app.dll", model.ChangeChanged) {
		t.Error("only the configured output directory is known")
	}
	if !rs.IsExcludedDirectory("/src/app/bin/Debug") {
		t.Error("output directory should not be watched")
	}
	skipped := rs.SkippedDirectories()
	if len(skipped) != 2 || skipped[0] != filepath.FromSlash("/src/app/bin/Debug") || skipped[1] != filepath.FromSlash("/src/app/obj/Debug") {
		t.Errorf("SkippedDirectories = %v", skipped)
	}
	if len(rs.ExcludedDirectories()) != 0 {
		t.Error("output directories are not glob exclusions")
	}
}

func TestDump(t *testing.T) {
	rs := BuildNodes([]*project.Node{nodeWithExcludes("/src/app", "bin/**;**/*.user")})
	var buf bytes.Buffer
	if err := rs.Dump(&buf); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, "2 exclusion rules, 1 excluded directories") {
		t.Errorf("unexpected header:\n%s", out)
	}
	if !strings.Contains(out, "recursive-glob") || !strings.Contains(out, "**/*.user") {
		t.Errorf("dump should list every rule:\n%s", out)
	}
}

func TestNilRuleset(t *testing.T) {
	var rs *Ruleset
	if rs.IsExcluded("/x", model.ChangeChanged) {
		t.Error("nil ruleset excludes nothing")
	}
	if len(rs.ExcludedDirectories()) != 0 {
		t.Error("nil ruleset has no directories")
	}
}
