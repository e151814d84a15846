package project

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultTargetFramework is used by synthesized descriptions without a
// TargetFramework property directive
const DefaultTargetFramework = "net10.0"

// EntryPointExtension marks a source file usable as a single-file entry point
const EntryPointExtension = ".cs"

// IsEntryPoint reports whether path names a single source file rather than a description
func IsEntryPoint(path string) bool {
	return strings.EqualFold(filepath.Ext(path), EntryPointExtension)
}

// Directive is one "#:kind value" line from the header of an entry point
type Directive struct {
	Kind  string // sdk, property, project or package
	Name  string
	Value string // version for sdk and package, value for property, empty for project
}

// ParseDirectives reads the directives at the top of an entry point. Parsing stops
// at the first line that is not blank, a comment, a shebang or a directive.
func ParseDirectives(source []byte) ([]Directive, error) {
	var directives []Directive
	scanner := bufio.NewScanner(bytes.NewReader(source))
	for line := 1; scanner.Scan(); line++ {
		text := strings.TrimSpace(scanner.Text())
		switch {
		case text == "", strings.HasPrefix(text, "//"), line == 1 && strings.HasPrefix(text, "#!"):
			continue
		case !strings.HasPrefix(text, "#:"):
			return directives, nil
		}

		kind, rest, _ := strings.Cut(strings.TrimPrefix(text, "#:"), " ")
		kind = strings.ToLower(kind)
		rest = strings.TrimSpace(rest)
		if rest == "" {
			return nil, fmt.Errorf("line %d: directive #:%s needs a value", line, kind)
		}

		d := Directive{Kind: kind}
		switch kind {
		case "sdk", "package":
			d.Name, d.Value, _ = strings.Cut(rest, "@")
		case "property":
			name, value, ok := strings.Cut(rest, "=")
			if !ok || strings.TrimSpace(name) == "" {
				return nil, fmt.Errorf("line %d: property directive must be Name=Value", line)
			}
			d.Name, d.Value = strings.TrimSpace(name), strings.TrimSpace(value)
			if !validPropertyName(d.Name) {
				return nil, fmt.Errorf("line %d: invalid property name %q", line, d.Name)
			}
		case "project":
			d.Name = rest
		default:
			return nil, fmt.Errorf("line %d: unknown directive #:%s", line, kind)
		}
		directives = append(directives, d)
	}
	return directives, scanner.Err()
}

// EntryPointArtifactsPath returns the per-entry-point artifacts directory under
// the temp dir. The name keeps the file name readable and hashes the full path.
func EntryPointArtifactsPath(entryPoint string) string {
	sum := sha256.Sum256([]byte(strings.ToUpper(entryPoint)))
	base := strings.TrimSuffix(filepath.Base(entryPoint), filepath.Ext(entryPoint))
	return filepath.Join(os.TempDir(), "buildwatch", "runfile", base+"-"+hex.EncodeToString(sum[:])[:16])
}

// SynthesizeEntryPoint builds a description for a single source file. The result
// has the same shape as an on-disk description named <dir>/<name>.csproj. The
// build engine cannot read that path, so the description is also written to
// <artifacts>/<name>.csproj and recorded as the document's BuildPath.
func SynthesizeEntryPoint(path string) (*Document, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	source, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	directives, err := ParseDirectives(source)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}

	dir := filepath.Dir(abs)
	name := strings.TrimSuffix(filepath.Base(abs), filepath.Ext(abs))
	projectPath := filepath.Join(dir, name+".csproj")

	sdks := []string{}
	props := [][2]string{
		{PropEntryPointFilePath, abs},
		{PropArtifactsPath, EntryPointArtifactsPath(abs)},
		{"OutputType", "Exe"},
		{PropTargetFramework, DefaultTargetFramework},
		{"ImplicitUsings", "enable"},
		{"Nullable", "enable"},
		{"EnableDefaultCompileItems", "false"},
	}
	var references, packages []string
	for _, d := range directives {
		switch d.Kind {
		case "sdk":
			sdks = append(sdks, d.Name)
		case "property":
			props = append(props, [2]string{d.Name, d.Value})
		case "project":
			ref, err := resolveProjectDirective(dir, d.Name)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", abs, err)
			}
			references = append(references, ref)
		case "package":
			packages = append(packages, d.Name)
		}
	}
	if len(sdks) == 0 {
		sdks = append(sdks, DefaultSDK)
	}

	var b strings.Builder
	fmt.Fprintf(&b, `<Project Sdk="%s">`+"\n", escape(sdks[0]))
	for _, sdk := range sdks[1:] {
		fmt.Fprintf(&b, `  <Sdk Name="%s" />`+"\n", escape(sdk))
	}
	b.WriteString("  <PropertyGroup>\n")
	for _, kv := range props {
		fmt.Fprintf(&b, "    <%s>%s</%s>\n", kv[0], escape(kv[1]), kv[0])
	}
	b.WriteString("  </PropertyGroup>\n  <ItemGroup>\n")
	fmt.Fprintf(&b, `    <Compile Include="%s" />`+"\n", escape(abs))
	for _, ref := range references {
		fmt.Fprintf(&b, `    <ProjectReference Include="%s" />`+"\n", escape(ref))
	}
	for _, pkg := range packages {
		fmt.Fprintf(&b, `    <PackageReference Include="%s" />`+"\n", escape(pkg))
	}
	b.WriteString("  </ItemGroup>\n</Project>\n")

	content := []byte(b.String())
	doc, err := ParseDocument(projectPath, content)
	if err != nil {
		return nil, err
	}
	doc.Synthetic = true
	doc.BuildPath = filepath.Join(EntryPointArtifactsPath(abs), name+".csproj")
	if err := writeIfChanged(doc.BuildPath, content); err != nil {
		return nil, fmt.Errorf("failed to write project for %s: %w", abs, err)
	}
	return doc, nil
}

// writeIfChanged leaves an identical file untouched so its timestamp stays put
func writeIfChanged(path string, content []byte) error {
	if existing, err := os.ReadFile(path); err == nil && bytes.Equal(existing, content) {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, content, 0o644)
}

// resolveProjectDirective accepts a description path or a directory containing
// exactly one description
func resolveProjectDirective(dir, ref string) (string, error) {
	ref = normalizeSeparators(ref)
	if !filepath.IsAbs(ref) {
		ref = filepath.Join(dir, ref)
	}
	info, err := os.Stat(ref)
	if err != nil || !info.IsDir() {
		// Missing references are reported by the graph loader
		return ref, nil
	}
	matches, err := filepath.Glob(filepath.Join(ref, "*.*proj"))
	if err != nil {
		return "", err
	}
	if len(matches) != 1 {
		return "", fmt.Errorf("project directive %s: expected one project file, found %d", ref, len(matches))
	}
	return matches[0], nil
}

// validPropertyName reports whether name can be a property element: a letter
// or underscore followed by letters, digits, underscores or hyphens
func validPropertyName(name string) bool {
	for i, r := range name {
		switch {
		case r == '_', 'a' <= r && r <= 'z', 'A' <= r && r <= 'Z':
		case i > 0 && (r == '-' || '0' <= r && r <= '9'):
		default:
			return false
		}
	}
	return name != ""
}

func escape(s string) string {
	var b bytes.Buffer
	// EscapeText only fails on writer errors
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}
