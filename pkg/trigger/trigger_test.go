package trigger

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ritzau/buildwatch/pkg/build"
	"github.com/ritzau/buildwatch/pkg/engine"
	"github.com/ritzau/buildwatch/pkg/evaluation"
	"github.com/ritzau/buildwatch/pkg/graph"
	"github.com/ritzau/buildwatch/pkg/model"
	"github.com/ritzau/buildwatch/pkg/project"
)

// evaluate writes a single project with one source file and evaluates it
func evaluate(t *testing.T) (dir string, r *evaluation.Result) {
	t.Helper()
	dir = t.TempDir()
	app := filepath.Join(dir, "app.csproj")
	if err := os.WriteFile(app, []byte(`
<Project Sdk="Microsoft.NET.Sdk">
  <PropertyGroup><TargetFramework>net8.0</TargetFramework></PropertyGroup>
</Project>`), 0o644); err != nil {
		t.Fatal(err)
	}

	m := &engine.MockEngine{Handler: func(ctx context.Context, s engine.Submission) (engine.Results, error) {
		return engine.Results{
			project.TargetCompileDesignTime: {Success: true},
			engine.EvaluatedItems: {Success: true, Items: []engine.Item{
				{Identity: "Program.cs", Metadata: map[string]string{engine.MetadataItemType: "Compile"}},
				{Identity: "obj/Debug/net8.0/GlobalUsings.g.cs", Metadata: map[string]string{engine.MetadataItemType: "Compile"}},
			}},
		}, nil
	}}
	coord := build.NewCoordinator(m)
	agg := evaluation.NewAggregator(coord, graph.NewLoader(coord, project.NewEvaluator(nil)))
	r, err := agg.Evaluate(context.Background(), graph.Root{Path: app}, evaluation.Options{})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	return dir, r
}

func change(path string, kind model.ChangeKind) []model.ChangedPath {
	return []model.ChangedPath{{Path: path, Kind: kind}}
}

func TestObserveSourceChangeStaysValid(t *testing.T) {
	dir, r := evaluate(t)
	tr := New(false)
	tr.Evaluated(r)

	state, accepted := tr.Observe(change(filepath.Join(dir, "Program.cs"), model.ChangeChanged))
	if state != Valid {
		t.Errorf("source change should not invalidate, reason %q", tr.Reason())
	}
	if len(accepted) != 1 || accepted[0].Item == nil {
		t.Fatalf("expected the change with its watch-set entry, got %+v", accepted)
	}
	if accepted[0].Item.ProjectPaths[0] != filepath.Join(dir, "app.csproj") {
		t.Errorf("unexpected owner %v", accepted[0].Item.ProjectPaths)
	}
}

func TestObserveBuildFileChange(t *testing.T) {
	dir, r := evaluate(t)
	tr := New(false)
	tr.Evaluated(r)

	state, _ := tr.Observe(change(filepath.Join(dir, "app.csproj"), model.ChangeChanged))
	if state != StaleNeedsReevaluation {
		t.Fatal("editing the project description must invalidate")
	}
	if !strings.HasPrefix(tr.Reason(), "build file changed") {
		t.Errorf("Reason = %q", tr.Reason())
	}

	// Stays stale until the next evaluation
	if state, _ := tr.Observe(change(filepath.Join(dir, "Program.cs"), model.ChangeChanged)); state != StaleNeedsReevaluation {
		t.Error("only an evaluation makes the trigger valid")
	}
	tr.Evaluated(r)
	if tr.State() != Valid || tr.Reason() != "" {
		t.Error("evaluation should make the trigger valid")
	}
}

func TestObserveAddedFile(t *testing.T) {
	dir, r := evaluate(t)
	tr := New(false)
	tr.Evaluated(r)

	if state, _ := tr.Observe(change(filepath.Join(dir, "NewClass.cs"), model.ChangeAdded)); state != StaleNeedsReevaluation {
		t.Error("a new file may belong to a project and should invalidate")
	}
}

func TestObserveIgnoredChanges(t *testing.T) {
	dir, r := evaluate(t)
	tr := New(false)
	tr.Evaluated(r)

	ignored := []string{
		filepath.Join(dir, "bin", "Debug", "net8.0", "app.dll"),
		filepath.Join(dir, "obj", "project.assets.json"),
		filepath.Join(dir, ".git", "index"),
		filepath.Join(dir, "msbuild.binlog"),
		filepath.Join(dir, "app.csproj.user"),
	}
	for _, p := range ignored {
		state, accepted := tr.Observe(change(p, model.ChangeAdded))
		if len(accepted) != 0 || state != Valid {
			t.Errorf("change to %s should be ignored, got %v %+v", p, state, accepted)
		}
	}
}

func TestAcceptChangeKnownItemInExcludedDirectory(t *testing.T) {
	dir, r := evaluate(t)
	generated := filepath.Join(dir, "obj", "Debug", "net8.0", "GlobalUsings.g.cs")
	if !r.Exclusions.IsExcluded(generated, model.ChangeChanged) {
		t.Fatal("test setup: generated file should match an exclusion")
	}
	if !AcceptChange(model.ChangedPath{Path: generated, Kind: model.ChangeChanged}, r) {
		t.Error("watch-set files are accepted even when excluded")
	}
}

func TestReevaluateAlways(t *testing.T) {
	dir, r := evaluate(t)
	tr := New(true)
	tr.Evaluated(r)

	if state, _ := tr.Observe(change(filepath.Join(dir, "Program.cs"), model.ChangeChanged)); state != StaleNeedsReevaluation {
		t.Error("every change should invalidate when re-evaluation is forced")
	}
}

func TestObserveTimestampDrift(t *testing.T) {
	dir, r := evaluate(t)
	tr := New(false)
	tr.Evaluated(r)

	later := time.Now().Add(time.Minute)
	if err := os.Chtimes(filepath.Join(dir, "app.csproj"), later, later); err != nil {
		t.Fatal(err)
	}
	// The description edit itself was never reported
	state, _ := tr.Observe(change(filepath.Join(dir, "Program.cs"), model.ChangeChanged))
	if state != StaleNeedsReevaluation || !strings.HasPrefix(tr.Reason(), "build file modified") {
		t.Errorf("modified description should invalidate, got %v %q", state, tr.Reason())
	}
}

func TestNotEvaluated(t *testing.T) {
	tr := New(false)
	if tr.State() != StaleNeedsReevaluation || tr.Result() != nil {
		t.Fatal("a new trigger has no valid evaluation")
	}
	state, accepted := tr.Observe(change("/src/app/Program.cs", model.ChangeChanged))
	if state != StaleNeedsReevaluation || len(accepted) != 1 {
		t.Errorf("got %v %+v", state, accepted)
	}
	tr.Evaluated(nil)
	if tr.State() != StaleNeedsReevaluation {
		t.Error("a nil result is not an evaluation")
	}
}

func TestHiddenDirectory(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/src/app/.vs/state.json", "/src/app/.vs"},
		{"/src/.git/objects/ab/cd", "/src/.git"},
		{"/src/app/.editorconfig", ""},
		{"/src/app/Program.cs", ""},
	}
	for _, tt := range tests {
		if got := hiddenDirectory(filepath.FromSlash(tt.path)); got != filepath.FromSlash(tt.want) {
			t.Errorf("hiddenDirectory(%s) = %q, want %q", tt.path, got, tt.want)
		}
	}
}
