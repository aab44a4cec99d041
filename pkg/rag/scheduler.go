package rag

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

// IngestProgress is reported once per finished file during a directory load.
type IngestProgress struct {
	Completed int
	Total     int
	Status    string // "ok" or "failed"
	Path      string
}

// ProgressFunc receives per-file progress. It is called from whichever
// goroutine collects outcomes; implementations should be quick.
type ProgressFunc func(IngestProgress)

// fileTask is the value-typed descriptor handed to workers. Workers share
// nothing else.
type fileTask struct {
	path    string
	relPath string
}

// Scheduler enumerates files under a directory and runs per-file extraction
// either sequentially or on a worker pool shaped for the workload: a
// CPU-sized pool for local parsing, a wider staggered pool when files go
// through the remote extraction service. Per-file failures are isolated and
// reported, never fatal to the batch.
type Scheduler struct {
	config     IngestionConfig
	loader     *Loader
	logger     *slog.Logger
	onProgress ProgressFunc
}

// NewScheduler builds a Scheduler. A nil config uses the defaults.
func NewScheduler(config *IngestionConfig, loader *Loader) *Scheduler {
	cfg := getDefaultIngestionConfig()
	if config != nil {
		cfg = *config
	}
	if loader == nil {
		loader = NewLoader(nil)
	}
	return &Scheduler{
		config: cfg,
		loader: loader,
		logger: slog.Default().With("component", "scheduler"),
	}
}

// OnProgress registers a progress callback. Set it before starting a load;
// it is not safe to change mid-batch.
func (s *Scheduler) OnProgress(fn ProgressFunc) {
	s.onProgress = fn
}

// LoadDirectory loads every eligible file under root and returns exactly one
// outcome per file: Docs on success, Err on failure. Outcomes arrive in
// submission order for sequential runs and in completion order for parallel
// runs. Cancelling ctx stops new submissions but lets in-flight files finish
// and report.
func (s *Scheduler) LoadDirectory(ctx context.Context, root string) ([]IngestOutcome, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to access directory %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}

	tasks, err := s.listFiles(root)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate %s: %w", root, err)
	}
	if len(tasks) == 0 {
		s.logger.Warn("no matching files found", "root", root, "extensions", s.config.Extensions)
		return nil, nil
	}

	mode := s.resolveMode(tasks)
	s.logger.Info("loading directory", "root", root, "files", len(tasks), "mode", mode)

	if mode == "sequential" {
		return s.runSequential(ctx, tasks), nil
	}

	workers := s.cpuWorkers(len(tasks))
	stagger := time.Duration(0)
	if mode == "io" {
		workers = s.ioWorkers(len(tasks))
		stagger = time.Duration(s.config.StaggerMS) * time.Millisecond
	}

	outcomes, err := s.runParallel(ctx, tasks, workers, stagger)
	if err != nil {
		s.logger.Warn("parallel load failed to start, falling back to sequential", "error", err)
		return s.runSequential(ctx, tasks), nil
	}
	return outcomes, nil
}

// listFiles returns eligible files under root in lexical order.
func (s *Scheduler) listFiles(root string) ([]fileTask, error) {
	allowed := make(map[string]bool)
	for _, e := range NormalizeExtensions(s.config.Extensions) {
		allowed[e] = true
	}

	var tasks []fileTask
	add := func(path string) {
		if !allowed[strings.ToLower(filepath.Ext(path))] {
			return
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			rel = path
		}
		tasks = append(tasks, fileTask{path: path, relPath: rel})
	}

	if s.config.Recursive {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() {
				add(path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	} else {
		entries, err := os.ReadDir(root)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				add(filepath.Join(root, entry.Name()))
			}
		}
	}

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].path < tasks[j].path })
	return tasks, nil
}

// resolveMode picks the execution mode for a batch. Small batches run
// sequentially; otherwise an explicit config mode wins, and auto prefers the
// io pool as soon as any file needs the remote extraction service.
func (s *Scheduler) resolveMode(tasks []fileTask) string {
	if s.config.Mode == "sequential" {
		return "sequential"
	}
	minFiles := s.config.MinFilesForParallel
	if minFiles <= 0 {
		minFiles = 2
	}
	if len(tasks) < minFiles {
		return "sequential"
	}
	if s.config.Mode == "cpu" || s.config.Mode == "io" {
		return s.config.Mode
	}
	for _, t := range tasks {
		if s.loader.RemoteBacked(t.path) {
			return "io"
		}
	}
	return "cpu"
}

func (s *Scheduler) cpuWorkers(taskCount int) int {
	n := s.config.MaxWorkers
	if n == 0 {
		n = runtime.NumCPU()
	}
	if n > taskCount {
		n = taskCount
	}
	return n
}

func (s *Scheduler) ioWorkers(taskCount int) int {
	n := s.config.MaxWorkers
	if n == 0 {
		n = min(32, runtime.NumCPU()*4)
	}
	if n > taskCount {
		n = taskCount
	}
	return n
}

func (s *Scheduler) runSequential(ctx context.Context, tasks []fileTask) []IngestOutcome {
	outcomes := make([]IngestOutcome, 0, len(tasks))
	for _, task := range tasks {
		if ctx.Err() != nil {
			s.logger.Warn("load cancelled", "completed", len(outcomes), "total", len(tasks))
			break
		}
		out := s.loadOne(ctx, task)
		outcomes = append(outcomes, out)
		s.reportProgress(len(outcomes), len(tasks), out)
	}
	return outcomes
}

// runParallel fans tasks out to a fixed worker pool. The submitter stops on
// cancellation; workers drain what was already submitted, so every started
// file still reports an outcome.
func (s *Scheduler) runParallel(ctx context.Context, tasks []fileTask, workers int, stagger time.Duration) ([]IngestOutcome, error) {
	if workers <= 0 {
		return nil, fmt.Errorf("invalid worker count %d", workers)
	}

	taskCh := make(chan fileTask)
	resultCh := make(chan IngestOutcome, len(tasks))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range taskCh {
				resultCh <- s.loadOne(ctx, task)
			}
		}()
	}

	go func() {
		defer close(taskCh)
		for i, task := range tasks {
			if stagger > 0 && i > 0 {
				select {
				case <-time.After(stagger):
				case <-ctx.Done():
					return
				}
			}
			select {
			case taskCh <- task:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	outcomes := make([]IngestOutcome, 0, len(tasks))
	for out := range resultCh {
		outcomes = append(outcomes, out)
		s.reportProgress(len(outcomes), len(tasks), out)
	}
	if len(outcomes) < len(tasks) {
		s.logger.Warn("load cancelled", "completed", len(outcomes), "total", len(tasks))
	}
	return outcomes, nil
}

// loadOne runs one file's extraction in isolation: errors and panics become
// the file's outcome, never the batch's.
func (s *Scheduler) loadOne(ctx context.Context, task fileTask) (out IngestOutcome) {
	defer func() {
		if r := recover(); r != nil {
			out = IngestOutcome{Path: task.relPath, Err: fmt.Errorf("extraction panicked: %v", r)}
		}
	}()

	docs, err := s.loader.LoadFile(ctx, task.path)
	if err != nil {
		return IngestOutcome{Path: task.relPath, Err: err}
	}
	return IngestOutcome{Docs: docs, Path: task.relPath}
}

func (s *Scheduler) reportProgress(completed, total int, out IngestOutcome) {
	if s.onProgress == nil {
		return
	}
	status := "ok"
	if out.Err != nil {
		status = "failed"
	}
	s.onProgress(IngestProgress{Completed: completed, Total: total, Status: status, Path: out.Path})
}
