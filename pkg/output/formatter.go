package output

import (
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/fatih/color"

	"github.com/ritzau/buildwatch/pkg/evaluation"
)

// PrintEvaluationReport prints the watch-set of an evaluation with colors
func PrintEvaluationReport(w io.Writer, root string, r *evaluation.Result) error {
	// Color definitions
	bold := color.New(color.Bold)
	red := color.New(color.FgRed)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	cyan := color.New(color.FgCyan)

	// Header
	bold.Fprintln(w, "Build Watch - Evaluation Report")
	bold.Fprintln(w, "===============================")
	fmt.Fprintf(w, "Root: %s\n", root)
	fmt.Fprintf(w, "Projects: %d\n", len(r.Snapshot))
	fmt.Fprintln(w)

	// Watch-set, sorted by path
	files := r.SortedFiles()
	bold.Fprintf(w, "FILES (%d):\n", len(files))
	for _, item := range files {
		fmt.Fprintf(w, "  %s", item.Path)
		if item.IsStaticAsset() {
			cyan.Fprintf(w, "  -> %s", item.AssetURL)
		}
		if len(item.ProjectPaths) > 1 {
			yellow.Fprintf(w, "  (%d projects)", len(item.ProjectPaths))
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintln(w)

	buildFiles := r.BuildFiles()
	bold.Fprintf(w, "BUILD FILES (%d):\n", len(buildFiles))
	for _, p := range buildFiles {
		fmt.Fprintf(w, "  %s\n", p)
	}
	fmt.Fprintln(w)

	if len(r.Failed) > 0 {
		red.Fprintln(w, "FAILED PROJECTS:")
		for _, id := range r.Failed {
			red.Fprintf(w, "  %s\n", id)
		}
		fmt.Fprintln(w)
	}

	if err := r.Exclusions.Dump(w); err != nil {
		return err
	}
	fmt.Fprintln(w)

	// Summary with color based on failures
	summaryColor := green
	if len(r.Failed) > 0 {
		summaryColor = yellow
	}
	if len(files) == 0 {
		summaryColor = red
	}
	_, err := summaryColor.Fprintf(w, "Summary: %d files in %d directories, %d build files, evaluated in %s\n",
		len(files), countDirectories(r), len(buildFiles), r.Finished.Sub(r.Started).Round(time.Millisecond))
	return err
}

func countDirectories(r *evaluation.Result) int {
	dirs := map[string]struct{}{}
	for p := range r.Files {
		dirs[filepath.Dir(p)] = struct{}{}
	}
	return len(dirs)
}
