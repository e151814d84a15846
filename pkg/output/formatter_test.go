package output

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"

	"github.com/ritzau/buildwatch/pkg/build"
	"github.com/ritzau/buildwatch/pkg/engine"
	"github.com/ritzau/buildwatch/pkg/evaluation"
	"github.com/ritzau/buildwatch/pkg/graph"
	"github.com/ritzau/buildwatch/pkg/project"
)

func TestPrintEvaluationReport(t *testing.T) {
	color.NoColor = true

	dir := t.TempDir()
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
			}},
		}, nil
	}}
	coord := build.NewCoordinator(m)
	agg := evaluation.NewAggregator(coord, graph.NewLoader(coord, project.NewEvaluator(nil)))
	r, err := agg.Evaluate(context.Background(), graph.Root{Path: app}, evaluation.Options{})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	var buf bytes.Buffer
	if err := PrintEvaluationReport(&buf, app, r); err != nil {
		t.Fatalf("PrintEvaluationReport failed: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		"Projects: 1",
		"FILES (1):",
		filepath.Join(dir, "Program.cs"),
		"BUILD FILES",
		"exclusion rules",
		"Summary: 1 files in 1 directories",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("report should contain %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "FAILED PROJECTS") {
		t.Errorf("no project failed:\n%s", out)
	}
}
