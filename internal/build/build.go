// Package build sequences the stages of a firmware or static library build.
package build

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"firmbuild/internal/collect"
	"firmbuild/internal/command"
	"firmbuild/internal/compile"
	"firmbuild/internal/config"
	"firmbuild/internal/image"
	"firmbuild/internal/library"
	"firmbuild/internal/link"
	"firmbuild/internal/logging"
	"firmbuild/internal/toolchain"
)

var (
	// ErrNoObjects is returned when no object exists to link or archive.
	ErrNoObjects = errors.New("no objects")
	// ErrArchiveFailed is returned when the archiver exits with a non-zero code.
	ErrArchiveFailed = errors.New("archive failed")
	// ErrNotFinalized is returned for a configuration Finalize did not produce.
	ErrNotFinalized = errors.New("configuration is not finalized")
)

// listedObjects is the object count up to which objects are printed.
const listedObjects = 6

// OutputName derives the output base name from the configured `name` and
// the working directory name `dir`.
func OutputName(name, dir string, debug, tiny bool) string {
	switch {
	case name == "":
		name = dir
	case strings.HasPrefix(name, "_"):
		name = dir + strings.TrimLeft(name, "_")
	case strings.HasSuffix(name, "/") || strings.HasSuffix(name, `\`):
		name += dir
	}
	suffix := ""
	if tiny {
		suffix = "T"
	} else if debug {
		suffix = "D"
	}
	if suffix != "" && !strings.HasSuffix(name, suffix) {
		name += suffix
	}
	return name
}

// Pipeline runs the stages for one configuration.
type Pipeline struct {
	Config *config.Config
	Tools  toolchain.Tools
	Runner toolchain.Runner
	Log    zerolog.Logger
	// Printer receives console status lines; may be nil.
	Printer *logging.Printer
	// Progress and Interval are handed to the completion tracker.
	Progress io.Writer
	Interval time.Duration
	// Now is the staleness reference clock; time.Now when nil.
	Now func() time.Time
}

// Summary describes a finished run.
type Summary struct {
	Name      string
	Compile   *compile.Report
	Libraries []library.Artifact
	Image     string
	Map       string
	Link      toolchain.Result
	Patch     image.PatchResult
	Binary    *image.Binary
	Extract   toolchain.Result
	Archive   string
	Archiver  toolchain.Result
}

func (p *Pipeline) printf(format string, a ...interface{}) {
	if p.Printer != nil {
		p.Printer.Line(format, a...)
	}
}

// Name returns the output base name for the working directory.
func (p *Pipeline) Name() (string, error) {
	if !p.Config.Finalized() {
		return "", ErrNotFinalized
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", errors.Wrap(err, "failed to get the working directory")
	}
	return OutputName(p.Config.Name, filepath.Base(wd), p.Config.Debug, p.Config.Tiny), nil
}

// Layout is the output layout (without a source root).
func (p *Pipeline) Layout() compile.Layout {
	return compile.Layout{Output: p.Config.Output, Debug: p.Config.Debug, Tiny: p.Config.Tiny}
}

// Collect enumerates the configured sources, include directories and
// libraries. Without source roots the working directory is scanned.
func (p *Pipeline) Collect() (*collect.Collector, error) {
	c := collect.New(p.Log)
	if p.Printer != nil {
		c.OnExclude(p.Printer.Skipped)
	}
	roots := p.Config.Sources
	if len(roots) == 0 {
		roots = []config.SourceRoot{{Path: "."}}
	}
	for _, r := range roots {
		if _, err := c.AddFiles(r.Path, collect.FileOptions{Patterns: r.Patterns, Excludes: r.Excludes, TopOnly: r.TopOnly}); err != nil {
			return nil, err
		}
	}
	for _, r := range p.Config.IncludeRoots {
		if err := c.AddIncludes(r.Path, !r.NoSub, !r.TopOnly); err != nil {
			return nil, err
		}
	}
	for _, r := range p.Config.Libraries {
		if _, err := c.AddLibs(r.Path, r.Pattern); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Compile runs the compile stage over the collected sources.
func (p *Pipeline) Compile(ctx context.Context, c *collect.Collector) (*compile.Report, error) {
	b, err := command.New(p.Config, c.Includes())
	if err != nil {
		return nil, err
	}
	stage := &compile.Stage{
		Config:    p.Config,
		Builder:   b,
		Compiler:  p.Tools.Compiler,
		Assembler: p.Tools.Assembler,
		Runner:    p.Runner,
		Log:       p.Log,
		Printer:   p.Printer,
		Interval:  p.Interval,
		Progress:  p.Progress,
		Now:       p.Now,
	}
	report, err := stage.Run(ctx, c.Sources())
	if err != nil {
		return nil, err
	}
	if report.TimedOut {
		p.printf("\t timed out, %d pending", len(report.Pending))
	}
	return report, nil
}

func (p *Pipeline) printObjects(objects []string) {
	if len(objects) >= listedObjects {
		return
	}
	p.printf("Objects: %s", strings.Join(objects, " "))
}

func (p *Pipeline) compileAll(ctx context.Context) (*collect.Collector, *compile.Report, error) {
	c, err := p.Collect()
	if err != nil {
		return nil, nil, err
	}
	report, err := p.Compile(ctx, c)
	if err != nil {
		return nil, nil, err
	}
	return c, report, nil
}

// Build compiles, links, stamps and extracts the firmware image.
func (p *Pipeline) Build(ctx context.Context) (*Summary, error) {
	name, err := p.Name()
	if err != nil {
		return nil, err
	}
	s := &Summary{Name: name}
	c, report, err := p.compileAll(ctx)
	if err != nil {
		return s, err
	}
	s.Compile = report
	if p.Config.Preprocess {
		p.Log.Info().Msg("preprocess only, nothing to link")
		return s, nil
	}
	if len(report.Objects) == 0 {
		return s, ErrNoObjects
	}

	layout := p.Layout()
	base := filepath.Base(name)
	s.Image = filepath.Join(layout.ObjDir(), base+".axf")
	s.Map = filepath.Join(layout.ListDir(), base)
	s.Libraries = library.Resolve(c.Libraries(), p.Config.Debug, p.Config.Tiny)

	p.printObjects(report.Objects)
	if len(s.Libraries) > 0 {
		p.printf("Libraries:")
		for _, a := range s.Libraries {
			p.printf("\t%s\t%s", a.Name, a.Path)
		}
	}

	linker := &link.Linker{Tool: p.Tools.Linker, Runner: p.Runner, Config: p.Config, Log: p.Log}
	s.Link, err = linker.Link(ctx, link.Request{
		Objects:   report.Objects,
		Libraries: s.Libraries,
		Image:     s.Image,
		Map:       s.Map,
	})
	if err != nil {
		if p.Printer != nil {
			p.Printer.Failed(s.Image, s.Link.Code)
		}
		return s, err
	}

	s.Patch, err = p.Patch(s.Image)
	if err != nil {
		p.Log.Error().Err(err).Str("image", s.Image).Msg("provenance not written")
	}
	s.Extract, s.Binary, err = p.Extract(ctx, s.Image, name+".bin")
	if err != nil {
		p.Log.Error().Err(err).Msg("binary not inspected")
	}
	return s, nil
}

// Patch stamps build provenance into the image at `axf`.
func (p *Pipeline) Patch(axf string) (image.PatchResult, error) {
	r, err := image.PatchFile(axf, image.NewProvenance(p.Config.Provenance))
	if err != nil {
		return r, err
	}
	if r.Date != "" {
		p.printf("Build time: %s", r.Date)
	}
	if r.Identity != "" {
		p.printf("Build machine: %s", r.Identity)
	}
	if !r.Patched() {
		p.Log.Debug().Str("image", axf).Msg("no provenance placeholder")
	}
	return r, nil
}

// Extract writes the flat binary `bin` from `axf`.
func (p *Pipeline) Extract(ctx context.Context, axf, bin string) (toolchain.Result, *image.Binary, error) {
	e := &image.Extractor{Tool: p.Tools.Extractor, Runner: p.Runner, Log: p.Log}
	res, b, err := e.Extract(ctx, axf, bin)
	if b != nil {
		p.printf("Binary: %s %s blake3:%s", b.Path, b.HumanSize(), b.Digest)
	} else if !res.OK() && p.Printer != nil {
		p.Printer.Failed(bin, res.Code)
	}
	return res, b, err
}

// Library compiles the sources and archives the objects into a static library.
func (p *Pipeline) Library(ctx context.Context) (*Summary, error) {
	name, err := p.Name()
	if err != nil {
		return nil, err
	}
	s := &Summary{Name: name, Archive: library.FileName(name)}
	_, report, err := p.compileAll(ctx)
	if err != nil {
		return s, err
	}
	s.Compile = report
	if p.Config.Preprocess {
		return s, nil
	}
	if len(report.Objects) == 0 {
		return s, ErrNoObjects
	}
	p.printObjects(report.Objects)
	a := &library.Archiver{Tool: p.Tools.Archiver, Runner: p.Runner, Log: p.Log}
	s.Archiver = a.Create(ctx, name, report.Objects)
	if !s.Archiver.OK() {
		if p.Printer != nil {
			p.Printer.Failed(s.Archive, s.Archiver.Code)
		}
		return s, errors.Wrapf(ErrArchiveFailed, "exit code %d", s.Archiver.Code)
	}
	return s, nil
}
