package compile

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"firmbuild/internal/collect"
	"firmbuild/internal/command"
	"firmbuild/internal/config"
	"firmbuild/internal/logging"
	"firmbuild/internal/toolchain"
)

// ErrNoSources is returned when there is nothing to compile.
var ErrNoSources = errors.New("no source files")

// FileResult is the outcome for one source.
type FileResult struct {
	Source string
	// Object is the expected output (.o, or the preprocessed file).
	Object string
	// Dispatched is false for jobs never started before the wait ended.
	Dispatched bool
	// Done is false while the process was still running at the deadline.
	Done     bool
	Code     int
	Duration time.Duration
	Output   string
}

// Report summarizes a Run.
type Report struct {
	Root     string
	Files    []FileResult
	Compiled int
	Skipped  int
	Failed   int
	// Undispatched counts stale sources left unstarted at the deadline.
	Undispatched int
	// Objects exist on disk, in source order.
	Objects  []string
	Pending  []string
	TimedOut bool
}

// Stage compiles and assembles sources.
type Stage struct {
	Config    *config.Config
	Builder   *command.Builder
	Compiler  string
	Assembler string
	Runner    toolchain.Runner
	Log       zerolog.Logger
	// Printer receives per-file status lines; may be nil.
	Printer *logging.Printer
	// Interval overrides the tracker poll interval.
	Interval time.Duration
	// Progress overrides the tracker progress output.
	Progress io.Writer
	// Now returns the staleness reference time; time.Now when nil.
	Now func() time.Time
}

type job struct {
	index  int
	src    collect.SourceFile
	object string
	cmd    toolchain.Command
}

func (s *Stage) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Layout returns the output layout for sources below `root`.
func (s *Stage) Layout(root string) Layout {
	return Layout{Output: s.Config.Output, Root: root, Debug: s.Config.Debug, Tiny: s.Config.Tiny}
}

func (s *Stage) command(src collect.SourceFile, layout Layout, cLine, cppLine command.Line) (toolchain.Command, string) {
	objBase := layout.ObjectBase(src.Path)
	if src.Ext == collect.ExtAsm {
		return toolchain.Command{
			Tool: s.Assembler,
			Args: s.Builder.Assemble(src.Path, objBase, layout.ListBase(src.Path)),
		}, objBase
	}
	line := cLine
	if command.LanguageOf(src.Ext) == command.LangCPP {
		line = cppLine
	}
	return toolchain.Command{
		Tool: s.Compiler,
		Args: s.Builder.ForSource(line, src.Path, objBase, s.Config.Preprocess),
	}, objBase
}

// Run compiles every stale source and waits for the objects. Failures of
// single files are recorded in the report; the error is reserved for
// problems preventing the stage from running.
func (s *Stage) Run(ctx context.Context, sources []collect.SourceFile) (*Report, error) {
	if len(sources) == 0 {
		return nil, ErrNoSources
	}
	paths := make([]string, 0, len(sources))
	for _, src := range sources {
		paths = append(paths, src.Path)
	}
	root := CommonRoot(paths)
	layout := s.Layout(root)
	s.Log.Info().
		Str("root", root).
		Int("files", len(sources)).
		Str("dialect", string(s.Builder.Dialect())).
		Int("includes", len(s.Builder.Includes())).
		Msg("compile")
	for _, d := range []string{layout.ObjDir(), layout.ListDir()} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, errors.Wrapf(err, "failed to create \"%s\"", d)
		}
	}

	cLine := s.Builder.Compile(command.LangC)
	cppLine := s.Builder.Compile(command.LangCPP)
	if s.Printer != nil {
		s.Printer.Command("Command", cppLine.String())
	}

	report := &Report{Root: root}
	files := make([]FileResult, len(sources))
	var jobs []job
	var expected []string
	var entries []DatabaseEntry
	cwd, _ := os.Getwd()
	now := s.now()
	threshold := s.Config.RebuildThreshold()
	dbPath := filepath.Join(s.Config.Output, DatabaseFile)
	previous := s.previousCommands(dbPath)
	for i, src := range sources {
		cmd, objBase := s.command(src, layout, cLine, cppLine)
		obj := objBase + command.ObjectExt
		entries = append(entries, DatabaseEntry{
			Directory: cwd,
			File:      src.Path,
			Output:    obj,
			Arguments: append([]string{cmd.Tool}, cmd.Args...),
		})
		out := obj
		if s.Config.Preprocess && src.Ext != collect.ExtAsm {
			out = objBase + filepath.Ext(src.Path)
		}
		files[i] = FileResult{Source: src.Path, Object: out}
		if Fresh(obj, src.ModTime, threshold, now) && !previous.changed(obj, cmd) {
			skip := toolchain.SkippedResult()
			files[i].Done = true
			files[i].Code = skip.Code
			continue
		}
		if err := os.Remove(out); err != nil && !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "failed to remove stale \"%s\"", out)
		}
		if err := os.MkdirAll(filepath.Dir(obj), 0o755); err != nil {
			return nil, errors.Wrapf(err, "failed to create \"%s\"", filepath.Dir(obj))
		}
		jobs = append(jobs, job{index: i, src: src, object: out, cmd: cmd})
		expected = append(expected, out)
	}
	if s.Config.Preprocess {
		s.Log.Debug().Msg("preprocess only, compilation database kept")
	} else if err := WriteDatabaseFile(dbPath, entries); err != nil {
		s.Log.Warn().Err(err).Msg("compilation database not written")
	}

	timeout := s.Config.Timeout
	if timeout <= 0 {
		timeout = config.DefaultTimeout
	}
	limit := s.Config.Jobs
	if limit <= 0 {
		limit = runtime.NumCPU()
	}
	tracker := &Tracker{
		Interval: s.Interval,
		Deadline: time.Now().Add(timeout),
		Log:      s.Log,
		Progress: s.Progress,
	}
	var mu sync.Mutex
	stopped := false
	// start marks a job as dispatched unless the wait is over.
	start := func(j job) bool {
		mu.Lock()
		defer mu.Unlock()
		if stopped || ctx.Err() != nil {
			return false
		}
		files[j.index].Dispatched = true
		return true
	}
	abandoned := make(chan string, len(jobs))
	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		var g errgroup.Group
		g.SetLimit(limit)
		for _, j := range jobs {
			j := j
			g.Go(func() error {
				if !start(j) {
					return nil
				}
				cmd := j.cmd
				cmd.Timeout = timeout
				res := s.Runner.Run(ctx, cmd)
				s.finish(j, res, files, &mu, root)
				if !res.OK() || !exists(j.object) {
					abandoned <- j.object
				}
				return nil
			})
		}
		g.Wait()
	}()

	track := tracker.Wait(ctx, expected, abandoned)
	if !track.TimedOut && ctx.Err() == nil {
		select {
		case <-dispatched:
		case <-ctx.Done():
		case <-time.After(time.Until(tracker.Deadline)):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	stopped = true
	report.Files = append([]FileResult(nil), files...)
	report.Pending = track.Pending
	report.TimedOut = track.TimedOut
	for i := range report.Files {
		f := &report.Files[i]
		res := toolchain.Result{Code: f.Code}
		switch {
		case !f.Done && !f.Dispatched:
			report.Undispatched++
		case !f.Done:
		case res.IsSkipped():
			report.Skipped++
		case res.OK():
			report.Compiled++
		case res.Failed():
			report.Failed++
		}
		if !s.Config.Preprocess && exists(f.Object) {
			report.Objects = append(report.Objects, f.Object)
		}
	}
	s.Log.Info().
		Int("compiled", report.Compiled).
		Int("skipped", report.Skipped).
		Int("failed", report.Failed).
		Int("undispatched", report.Undispatched).
		Int("objects", len(report.Objects)).
		Msg("compile done")
	return report, nil
}

// commands maps object paths to the command recorded for them.
type commands map[string][]string

// changed reports whether `cmd` differs from the recorded command for `obj`.
// Unrecorded objects are unchanged.
func (c commands) changed(obj string, cmd toolchain.Command) bool {
	prev, ok := c[obj]
	if !ok {
		return false
	}
	return !slices.Equal(prev, append([]string{cmd.Tool}, cmd.Args...))
}

func (s *Stage) previousCommands(path string) commands {
	entries, err := ReadDatabase(path)
	if err != nil {
		s.Log.Debug().Err(err).Msg("no previous compilation database")
		return nil
	}
	result := make(commands, len(entries))
	for _, e := range entries {
		result[e.Output] = e.Arguments
	}
	return result
}

func (s *Stage) finish(j job, res toolchain.Result, files []FileResult, mu *sync.Mutex, root string) {
	tool := "compile"
	if j.src.Ext == collect.ExtAsm {
		tool = "assemble"
	}
	logging.ToolOutput(s.Log, tool, res.Output())
	rel := j.src.Path
	if hasPrefixFold(rel, root) {
		rel = rel[len(root):]
	}
	if s.Printer != nil {
		if res.OK() {
			s.Printer.Compiled(rel, res.Duration)
		} else {
			s.Printer.Failed(rel, res.Code)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	files[j.index] = FileResult{
		Source:     j.src.Path,
		Object:     j.object,
		Dispatched: true,
		Done:       true,
		Code:       res.Code,
		Duration:   res.Duration,
		Output:     res.Output(),
	}
}
