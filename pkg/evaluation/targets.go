package evaluation

import (
	"maps"
	"path/filepath"
	"slices"
	"strings"

	"github.com/ritzau/buildwatch/pkg/engine"
	"github.com/ritzau/buildwatch/pkg/project"
)

// Item types collected from a design-time build
const (
	ItemCompile         = "Compile"
	ItemAdditionalFiles = "AdditionalFiles"
	ItemWatch           = "Watch"
)

// watchedItemTypes are reported by the engine for every design-time request
var watchedItemTypes = []string{ItemCompile, ItemAdditionalFiles, ItemWatch}

// MetadataWatch set to "false" on an item or reference opts it out of watching
const MetadataWatch = "Watch"

// designTimeProperties are forced on every design-time request. The build
// computes its inputs and stops before invoking the compiler or building
// references, which are evaluated as nodes of their own.
var designTimeProperties = map[string]string{
	"DesignTimeBuild":        "true",
	"SkipCompilerExecution":  "true",
	"ProvideCommandLineArgs": "true",
	"BuildProjectReferences": "false",
	// Rooted under a directory that never exists so incremental checks always
	// consider the outputs stale
	"NonExistentFile": filepath.Join("__NonExistentSubDir__", "__NonExistentFile__"),
}

// DesignTimeProperties returns a copy of the properties forced on design-time requests
func DesignTimeProperties() map[string]string {
	return maps.Clone(designTimeProperties)
}

// DesignTimeTargets returns the targets to run for a node. The list depends
// only on the targets the node declares: the design-time compile target is
// preferred over the regular one, static asset targets are added unless
// suppressed, followed by the custom watch targets the node declares.
func DesignTimeTargets(n *project.Node, opts Options) []string {
	var targets []string
	switch {
	case n.HasTarget(project.TargetCompileDesignTime):
		targets = append(targets, project.TargetCompileDesignTime)
	case n.HasTarget(project.TargetCompile):
		targets = append(targets, project.TargetCompile)
	}

	if !opts.SuppressStaticAssets {
		for _, t := range []string{project.TargetStaticWebAssetsManifest, project.TargetResolveScopedCSSInputs} {
			if n.HasTarget(t) {
				targets = append(targets, t)
			}
		}
	}

	for _, t := range customTargets(n, opts) {
		if n.HasTarget(t) && !containsFold(targets, t) {
			targets = append(targets, t)
		}
	}
	return targets
}

// customTargets lists the configured watch targets followed by the ones the
// project names in CustomCollectWatchItems
func customTargets(n *project.Node, opts Options) []string {
	targets := append([]string(nil), opts.WatchTargets...)
	for _, t := range strings.Split(n.Property(project.PropCustomCollectWatchItems), ";") {
		if t = strings.TrimSpace(t); t != "" {
			targets = append(targets, t)
		}
	}
	return targets
}

func containsFold(list []string, s string) bool {
	return slices.ContainsFunc(list, func(v string) bool { return strings.EqualFold(v, s) })
}

// isCompileTarget reports whether the target is one of the compile targets
func isCompileTarget(t string) bool {
	return strings.EqualFold(t, project.TargetCompileDesignTime) || strings.EqualFold(t, project.TargetCompile)
}

// watchable reports whether an item should be added to the watch-set
func watchable(item engine.Item) bool {
	return !strings.EqualFold(strings.TrimSpace(item.Meta(MetadataWatch)), "false")
}
