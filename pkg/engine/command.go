package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// CommandEngine runs an msbuild-compatible command line tool once per submission
// and reads target results from its -getTargetResult JSON output.
type CommandEngine struct {
	Executable string   // e.g. "dotnet"
	Args       []string // leading arguments, e.g. ["msbuild"]

	mu      sync.Mutex
	running map[int]context.CancelFunc
	nextID  int
}

// NewCommandEngine creates an engine backed by an external tool
func NewCommandEngine(executable string, args ...string) *CommandEngine {
	return &CommandEngine{
		Executable: executable,
		Args:       args,
		running:    make(map[int]context.CancelFunc),
	}
}

// targetResultsJSON mirrors the tool's -getTargetResult and -getItem output
type targetResultsJSON struct {
	TargetResults map[string]struct {
		Result string              `json:"Result"`
		Items  []map[string]string `json:"Items"`
	} `json:"TargetResults"`
	Items map[string][]map[string]string `json:"Items"`
}

// CommandLine returns the arguments passed to the tool for a submission
func (e *CommandEngine) CommandLine(s Submission) []string {
	args := append([]string{}, e.Args...)
	args = append(args, s.ProjectPath, "-nologo")
	if len(s.Targets) > 0 {
		args = append(args, "-target:"+strings.Join(s.Targets, ";"))
		for _, t := range s.Targets {
			args = append(args, "-getTargetResult:"+t)
		}
	}
	if len(s.ItemTypes) > 0 {
		args = append(args, "-getItem:"+strings.Join(s.ItemTypes, ","))
	}

	// Sorted for reproducible command lines
	names := make([]string, 0, len(s.GlobalProperties))
	for name := range s.GlobalProperties {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		args = append(args, fmt.Sprintf("-property:%s=%s", name, s.GlobalProperties[name]))
	}
	return args
}

// Submit runs the tool and returns per-target results.
// A non-zero exit with parseable output is a project failure, not an engine failure.
func (e *CommandEngine) Submit(ctx context.Context, s Submission) (Results, error) {
	ctx, cancel := context.WithCancel(ctx)
	id := e.track(cancel)
	defer e.untrack(id)
	defer cancel()

	logger := s.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	cmd := exec.CommandContext(ctx, e.Executable, e.CommandLine(s)...)
	cmd.Dir = filepath.Dir(s.ProjectPath)

	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngine, err)
	}

	logger.Debug("starting build engine", "project", s.ProjectPath, "targets", strings.Join(s.Targets, ";"))
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: failed to start %s: %v", ErrEngine, e.Executable, err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		forwardLines(stderr, logger, s.ProjectPath)
	}()
	wg.Wait()
	runErr := cmd.Wait()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	results, parseErr := ParseTargetResults(stdout.Bytes())
	if parseErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			// The tool ran and failed before producing results: the project is broken
			logger.Warn("build engine exited without results", "project", s.ProjectPath, "exitCode", exitErr.ExitCode())
			forwardLines(&stdout, logger, s.ProjectPath)
			return Results{}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrEngine, parseErr)
	}

	if runErr != nil {
		logger.Warn("build engine reported failure", "project", s.ProjectPath, "error", runErr)
	}
	return results, nil
}

// CancelAll cancels every running submission
func (e *CommandEngine) CancelAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, cancel := range e.running {
		cancel()
	}
}

func (e *CommandEngine) track(cancel context.CancelFunc) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running == nil {
		e.running = make(map[int]context.CancelFunc)
	}
	e.nextID++
	e.running[e.nextID] = cancel
	return e.nextID
}

func (e *CommandEngine) untrack(id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.running, id)
}

// ParseTargetResults decodes -getTargetResult JSON into Results
func ParseTargetResults(data []byte) (Results, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("empty target result output")
	}

	var raw targetResultsJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse target results: %w", err)
	}

	results := make(Results, len(raw.TargetResults)+1)
	for name, tr := range raw.TargetResults {
		res := TargetResult{Success: strings.EqualFold(tr.Result, "Success")}
		for _, fields := range tr.Items {
			res.Items = append(res.Items, itemFromFields(fields, ""))
		}
		results[name] = res
	}

	if len(raw.Items) > 0 {
		types := make([]string, 0, len(raw.Items))
		for itemType := range raw.Items {
			types = append(types, itemType)
		}
		sort.Strings(types)

		evaluated := TargetResult{Success: true}
		for _, itemType := range types {
			for _, fields := range raw.Items[itemType] {
				evaluated.Items = append(evaluated.Items, itemFromFields(fields, itemType))
			}
		}
		results[EvaluatedItems] = evaluated
	}
	return results, nil
}

// itemFromFields converts a JSON item. A non-empty itemType is recorded as metadata.
func itemFromFields(fields map[string]string, itemType string) Item {
	item := Item{Identity: fields["Identity"], Metadata: make(map[string]string, len(fields)+1)}
	for k, v := range fields {
		if k != "Identity" {
			item.Metadata[k] = v
		}
	}
	if itemType != "" {
		item.Metadata[MetadataItemType] = itemType
	}
	return item
}

func forwardLines(r io.Reader, logger *slog.Logger, project string) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		logger.Info(line, "project", project)
	}
}
