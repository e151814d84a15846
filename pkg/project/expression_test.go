package project

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestExpand(t *testing.T) {
	props := map[string]string{"configuration": "Debug", "tfm": "net8.0"}
	lookup := func(name string) string { return props[strings.ToLower(name)] }

	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"bin/$(Configuration)/", "bin/Debug/"},
		{"$(configuration)-$(TFM)", "Debug-net8.0"},
		{"$(Undefined)x", "x"},
		{"$([MSBuild]::NormalizeDirectory($(X)))y", "y"},
		{"broken $(Name", "broken $(Name"},
	}
	for _, tt := range tests {
		if got := expand(tt.in, lookup); got != tt.want {
			t.Errorf("expand(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestEvalCondition(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "present.props"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	props := map[string]string{"configuration": "Debug", "version": "8", "empty": ""}
	env := conditionEnv{
		lookup: func(name string) string { return props[strings.ToLower(name)] },
		dir:    dir,
	}

	tests := []struct {
		cond    string
		want    bool
		wantErr bool
	}{
		{cond: "", want: true},
		{cond: "'$(Configuration)' == 'debug'", want: true},
		{cond: "'$(Configuration)' != 'Debug'", want: false},
		{cond: "'$(Empty)' == ''", want: true},
		{cond: "$(Configuration) == Debug", want: true},
		{cond: "'$(Version)' >= '8' and '$(Version)' < '10'", want: true},
		{cond: "false or !(true and false)", want: true},
		{cond: "Exists('present.props')", want: true},
		{cond: "!Exists('$(MissingDir)missing.props')", want: true},
		{cond: "HasTrailingSlash('obj/')", want: true},
		{cond: "'a' == ", wantErr: true},
		{cond: "'unterminated == 'x'", wantErr: true},
		{cond: "Unknown('x')", wantErr: true},
		{cond: "'abc' < 'def'", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.cond, func(t *testing.T) {
			got, err := evalCondition(tt.cond, env)
			if (err != nil) != tt.wantErr {
				t.Fatalf("evalCondition(%q) error = %v, wantErr %v", tt.cond, err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Errorf("evalCondition(%q) = %v, want %v", tt.cond, got, tt.want)
			}
		})
	}
}
