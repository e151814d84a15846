package project

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
)

func writeFile(t *testing.T, path, content string) string {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestEvaluateProperties(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, filepath.Join(dir, "app", "app.csproj"), `
<Project Sdk="Microsoft.NET.Sdk">
  <PropertyGroup>
    <TargetFramework>net8.0</TargetFramework>
    <Flavor>$(Configuration)-$(TargetFramework)</Flavor>
    <Skipped Condition="'$(Configuration)' == 'Release'">yes</Skipped>
    <ProjectDir>$(MSBuildProjectDirectory)</ProjectDir>
  </PropertyGroup>
  <PropertyGroup Condition="'$(Flavor)' == 'Debug-net8.0'">
    <Matched>true</Matched>
  </PropertyGroup>
  <Target Name="CollectExtraWatchItems" />
</Project>`)

	e := NewEvaluator(nil)
	node, err := e.Evaluate(path, nil)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	checks := map[string]string{
		"Flavor":                   "Debug-net8.0",
		"Skipped":                  "",
		"Matched":                  "true",
		"ProjectDir":               filepath.Dir(path),
		PropBaseOutputPath:         "bin" + string(filepath.Separator),
		PropOutputPath:             filepath.Join("bin", "Debug", "net8.0") + string(filepath.Separator),
		PropIntermediateOutputPath: filepath.Join("obj", "Debug", "net8.0") + string(filepath.Separator),
	}
	for name, want := range checks {
		if got := node.Property(name); got != want {
			t.Errorf("Property(%s) = %q, want %q", name, got, want)
		}
	}

	if node.TargetFramework() != "net8.0" {
		t.Errorf("TargetFramework = %q, want net8.0", node.TargetFramework())
	}
	for _, target := range []string{"CollectExtraWatchItems", TargetCompile, TargetCompileDesignTime} {
		if !node.HasTarget(target) {
			t.Errorf("expected target %s", target)
		}
	}
	if node.HasTarget(TargetStaticWebAssetsManifest) {
		t.Error("base SDK should not provide static web asset targets")
	}

	excludes := node.Property(PropDefaultItemExcludes)
	if !strings.HasPrefix(excludes, "bin/**;obj/**;") {
		t.Errorf("DefaultItemExcludes = %q, want output directories first", excludes)
	}
}

func TestEvaluateGlobalPropertiesWin(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, filepath.Join(dir, "lib.csproj"), `
<Project Sdk="Microsoft.NET.Sdk">
  <PropertyGroup>
    <TargetFrameworks>net8.0;net9.0</TargetFrameworks>
    <TargetFramework>netstandard2.0</TargetFramework>
  </PropertyGroup>
</Project>`)

	node, err := NewEvaluator(nil).Evaluate(path, map[string]string{"TargetFramework": "net9.0"})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if node.TargetFramework() != "net9.0" {
		t.Errorf("TargetFramework = %q, global property should win", node.TargetFramework())
	}
	if got := node.TargetFrameworks(); !slices.Equal(got, []string{"net8.0", "net9.0"}) {
		t.Errorf("TargetFrameworks = %v", got)
	}
	if node.ID() != node.Path()+"|net9.0" {
		t.Errorf("ID = %q, expected framework suffix", node.ID())
	}
}

func TestEvaluateImportsAreTolerant(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "Directory.Build.props"), `
<Project>
  <PropertyGroup><FromDirectoryProps>yes</FromDirectoryProps></PropertyGroup>
</Project>`)
	shared := writeFile(t, filepath.Join(dir, "build", "shared.props"), `
<Project>
  <Import Project="$(MSBuildThisFileDirectory)shared.props" />
  <PropertyGroup><Shared>$(MSBuildThisFileName)</Shared></PropertyGroup>
</Project>`)
	writeFile(t, filepath.Join(dir, "build", "broken.props"), `<Project><PropertyGroup>`)
	path := writeFile(t, filepath.Join(dir, "src", "app.csproj"), `
<Project Sdk="Microsoft.NET.Sdk">
  <Import Project="../build/shared.props" />
  <Import Project="../build/missing.props" />
  <Import Project="../build/broken.props" />
  <Import Project="$(NotSet)/nothing/*.props" />
  <PropertyGroup><TargetFramework>net8.0</TargetFramework></PropertyGroup>
</Project>`)

	node, err := NewEvaluator(nil).Evaluate(path, nil)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if node.Property("Shared") != "shared" {
		t.Errorf("Shared = %q, want shared", node.Property("Shared"))
	}
	if node.Property("FromDirectoryProps") != "yes" {
		t.Error("Directory.Build.props should be imported")
	}

	imports := node.Imports()
	if !slices.Contains(imports, shared) {
		t.Errorf("imports %v should contain %s", imports, shared)
	}
	for _, imp := range imports {
		if strings.Contains(imp, "missing") || strings.Contains(imp, "broken") {
			t.Errorf("unexpected import %s", imp)
		}
	}
}

func TestEvaluateProjectReferences(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "A", "A.csproj"), `<Project Sdk="Microsoft.NET.Sdk" />`)
	path := writeFile(t, filepath.Join(dir, "B", "B.csproj"), `
<Project Sdk="Microsoft.NET.Sdk">
  <ItemGroup>
    <ProjectReference Include="..\A\A.csproj" />
    <ProjectReference Include="../Tools/Tools.csproj" Watch="false" />
    <ProjectReference Include="../Gone/Gone.csproj" />
    <ProjectReference Remove="../Gone/Gone.csproj" />
    <ProjectReference Include="../Never/Never.csproj" Condition="'$(Configuration)' == 'Release'" />
  </ItemGroup>
</Project>`)

	node, err := NewEvaluator(nil).Evaluate(path, nil)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	refs := node.References()
	if len(refs) != 2 {
		t.Fatalf("expected 2 references, got %+v", refs)
	}
	if refs[0].Path != filepath.Join(dir, "A", "A.csproj") || !refs[0].Watch {
		t.Errorf("unexpected first reference %+v", refs[0])
	}
	if refs[1].Path != filepath.Join(dir, "Tools", "Tools.csproj") || refs[1].Watch {
		t.Errorf("unexpected second reference %+v", refs[1])
	}
}

func TestEvaluateWebSDKAndArtifacts(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, filepath.Join(dir, "web.csproj"), `
<Project Sdk="Microsoft.NET.Sdk.Web">
  <PropertyGroup>
    <ArtifactsPath>$(MSBuildProjectDirectory)/artifacts</ArtifactsPath>
    <EnableDefaultItems>false</EnableDefaultItems>
  </PropertyGroup>
</Project>`)

	node, err := NewEvaluator(nil).Evaluate(path, nil)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !node.HasTarget(TargetStaticWebAssetsManifest) || !node.HasTarget(TargetResolveScopedCSSInputs) {
		t.Errorf("web SDK should provide static asset targets, got %v", node.Targets())
	}
	want := filepath.Join(dir, "artifacts", "bin") + string(filepath.Separator)
	if got := node.Property(PropBaseOutputPath); got != want {
		t.Errorf("BaseOutputPath = %q, want %q", got, want)
	}
	if node.Property(PropDefaultItemExcludes) != "" {
		t.Error("default excludes should not be added when default items are disabled")
	}
	if node.TargetFramework() != "" {
		t.Error("node without a framework should report none")
	}
}

func TestEvaluateChoose(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, filepath.Join(dir, "p.csproj"), `
<Project>
  <Choose>
    <When Condition="'$(Mode)' == 'a'"><PropertyGroup><Picked>a</Picked></PropertyGroup></When>
    <Otherwise><PropertyGroup><Picked>other</Picked></PropertyGroup></Otherwise>
  </Choose>
</Project>`)

	e := NewEvaluator(nil)
	node, err := e.Evaluate(path, map[string]string{"Mode": "a"})
	if err != nil {
		t.Fatal(err)
	}
	if node.Property("Picked") != "a" {
		t.Errorf("Picked = %q, want a", node.Property("Picked"))
	}

	node, err = e.Evaluate(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if node.Property("Picked") != "other" {
		t.Errorf("Picked = %q, want other", node.Property("Picked"))
	}
	if len(node.Targets()) != 0 {
		t.Errorf("project without SDK should declare no targets, got %v", node.Targets())
	}
}

func TestEvaluateMissingDocument(t *testing.T) {
	_, err := NewEvaluator(nil).Evaluate(filepath.Join(t.TempDir(), "none.csproj"), nil)
	if !os.IsNotExist(err) {
		t.Errorf("expected not-exist error, got %v", err)
	}
}
