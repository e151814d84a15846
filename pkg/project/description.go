// Package project parses and evaluates project descriptions.
//
// A project description is an msbuild-style XML document: a <Project> root with
// property groups, item groups, imports and target declarations. Evaluation here
// is best effort and exists to discover the project graph and the files that
// influence it; it never replaces the build engine's own evaluation.
package project

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"os"
	"strings"
)

// Element is one XML element of a description, children kept in document order
type Element struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Text     string     `xml:",chardata"`
	Children []Element  `xml:",any"`
}

// Name returns the local element name
func (e *Element) Name() string {
	return e.XMLName.Local
}

// Attr returns an attribute value, case-insensitively, or "" if absent
func (e *Element) Attr(name string) string {
	for _, a := range e.Attrs {
		if strings.EqualFold(a.Name.Local, name) {
			return a.Value
		}
	}
	return ""
}

// HasAttr reports whether the attribute is present
func (e *Element) HasAttr(name string) bool {
	for _, a := range e.Attrs {
		if strings.EqualFold(a.Name.Local, name) {
			return true
		}
	}
	return false
}

// Document is a parsed description. Documents are immutable once parsed and
// shared between evaluations through the DocumentCache.
type Document struct {
	Path      string
	Root      Element
	Synthetic bool // true for descriptions synthesized from a single source file
	// BuildPath is the file handed to the build engine when it differs from Path
	BuildPath string
}

// ParseDocument parses description XML. The root element must be <Project>.
func ParseDocument(path string, data []byte) (*Document, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))

	var root Element
	if err := xml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if root.Name() != "Project" {
		return nil, fmt.Errorf("failed to parse %s: root element is <%s>, expected <Project>", path, root.Name())
	}

	return &Document{Path: path, Root: root}, nil
}

// LoadDocument reads and parses a description from disk
func LoadDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseDocument(path, data)
}

// SdkReferences returns the SDK names referenced by the Project Sdk attribute and
// <Sdk> child elements, versions stripped
func (d *Document) SdkReferences() []string {
	var sdks []string
	for _, ref := range splitList(d.Root.Attr("Sdk")) {
		sdks = append(sdks, sdkName(ref))
	}
	for i := range d.Root.Children {
		child := &d.Root.Children[i]
		if child.Name() == "Sdk" {
			if name := child.Attr("Name"); name != "" {
				sdks = append(sdks, sdkName(name))
			}
		}
	}
	return sdks
}

// sdkName strips a version suffix: "Name/1.2.3" or "Name@1.2.3"
func sdkName(ref string) string {
	ref = strings.TrimSpace(ref)
	if i := strings.IndexAny(ref, "/@"); i >= 0 {
		return ref[:i]
	}
	return ref
}

// splitList splits a semicolon separated list, dropping empty entries
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ";") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
