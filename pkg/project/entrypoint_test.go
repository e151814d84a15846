package project

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestParseDirectives(t *testing.T) {
	source := `#!/usr/bin/env dotnet
// header comment
#:sdk Microsoft.NET.Sdk.Web@10.0.0
#:property LangVersion=preview
#:project ../Lib
#:package Humanizer@2.14.1

#:property Ignored=true
Console.WriteLine("hi");
#:property TooLate=true
`
	directives, err := ParseDirectives([]byte(source))
	if err != nil {
		t.Fatalf("ParseDirectives failed: %v", err)
	}

	want := []Directive{
		{Kind: "sdk", Name: "Microsoft.NET.Sdk.Web", Value: "10.0.0"},
		{Kind: "property", Name: "LangVersion", Value: "preview"},
		{Kind: "project", Name: "../Lib"},
		{Kind: "package", Name: "Humanizer", Value: "2.14.1"},
		{Kind: "property", Name: "Ignored", Value: "true"},
	}
	if len(directives) != len(want) {
		t.Fatalf("got %d directives, want %d: %+v", len(directives), len(want), directives)
	}
	for i := range want {
		if directives[i] != want[i] {
			t.Errorf("directive %d = %+v, want %+v", i, directives[i], want[i])
		}
	}
}

func TestParseDirectivesErrors(t *testing.T) {
	tests := []struct {
		src  string
		want string
	}{
		{"#:property NoValue", "line 1:"},
		{"#:bogus x", "unknown directive"},
		{"#:sdk", "needs a value"},
		{"// header\n#:property 1Bad=x", `line 2: invalid property name "1Bad"`},
		{"#:property A<B>=x", "invalid property name"},
		{"#:property Has Space=x", "invalid property name"},
	}
	for _, tt := range tests {
		_, err := ParseDirectives([]byte(tt.src))
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("ParseDirectives(%q) = %v, want error containing %q", tt.src, err, tt.want)
		}
	}
}

func TestValidPropertyName(t *testing.T) {
	for _, name := range []string{"LangVersion", "_private", "My-Prop2"} {
		if !validPropertyName(name) {
			t.Errorf("%q should be valid", name)
		}
	}
	for _, name := range []string{"", "2Fast", "-lead", "a.b", "x=y", "Ünicode"} {
		if validPropertyName(name) {
			t.Errorf("%q should be invalid", name)
		}
	}
}

func TestSynthesizeEntryPoint(t *testing.T) {
	t.Setenv("TMPDIR", t.TempDir())
	dir := t.TempDir()
	lib := writeFile(t, filepath.Join(dir, "Lib", "Lib.csproj"), `<Project Sdk="Microsoft.NET.Sdk" />`)
	entry := writeFile(t, filepath.Join(dir, "app", "hello.cs"), `#:sdk Microsoft.NET.Sdk.Web
#:property TargetFramework=net9.0
#:project ../Lib
Console.WriteLine("hello");
`)

	doc, err := SynthesizeEntryPoint(entry)
	if err != nil {
		t.Fatalf("SynthesizeEntryPoint failed: %v", err)
	}
	if !doc.Synthetic {
		t.Error("document should be marked synthetic")
	}
	if want := filepath.Join(dir, "app", "hello.csproj"); doc.Path != want {
		t.Errorf("Path = %q, want %q", doc.Path, want)
	}

	node, err := NewEvaluator(nil).EvaluateDocument(doc, nil)
	if err != nil {
		t.Fatalf("EvaluateDocument failed: %v", err)
	}
	if !node.IsSynthetic() {
		t.Error("node should be synthetic")
	}
	if node.TargetFramework() != "net9.0" {
		t.Errorf("TargetFramework = %q, directive should override the default", node.TargetFramework())
	}
	if node.Property("OutputType") != "Exe" {
		t.Errorf("OutputType = %q, want Exe", node.Property("OutputType"))
	}
	if !node.HasTarget(TargetStaticWebAssetsManifest) {
		t.Error("sdk directive should select the web SDK")
	}

	artifacts := EntryPointArtifactsPath(entry)
	if node.Property(PropArtifactsPath) != artifacts {
		t.Errorf("ArtifactsPath = %q, want %q", node.Property(PropArtifactsPath), artifacts)
	}
	if !strings.HasPrefix(filepath.Base(artifacts), "hello-") {
		t.Errorf("artifacts directory %q should start with the entry point name", artifacts)
	}
	if !strings.HasPrefix(node.Property(PropBaseOutputPath), artifacts) {
		t.Errorf("outputs should live under the artifacts path, got %q", node.Property(PropBaseOutputPath))
	}

	refs := node.References()
	if len(refs) != 1 || refs[0].Path != lib {
		t.Errorf("References = %+v, want %s", refs, lib)
	}

	if want := filepath.Join(artifacts, "hello.csproj"); node.BuildPath() != want {
		t.Errorf("BuildPath = %q, want %q", node.BuildPath(), want)
	}
	written, err := LoadDocument(node.BuildPath())
	if err != nil {
		t.Fatalf("written description should load: %v", err)
	}
	if !reflect.DeepEqual(written.Root, doc.Root) {
		t.Error("written description differs from the synthesized one")
	}

	info, err := os.Stat(node.BuildPath())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := SynthesizeEntryPoint(entry); err != nil {
		t.Fatal(err)
	}
	again, err := os.Stat(node.BuildPath())
	if err != nil {
		t.Fatal(err)
	}
	if !again.ModTime().Equal(info.ModTime()) {
		t.Error("an unchanged description should not be rewritten")
	}
}

func TestIsEntryPoint(t *testing.T) {
	if !IsEntryPoint("/src/app.cs") || !IsEntryPoint("App.CS") {
		t.Error("source files should be entry points")
	}
	if IsEntryPoint("/src/app.csproj") {
		t.Error("descriptions are not entry points")
	}
}
