// Package collect enumerates source files, include directories and static
// libraries of a firmware project.
package collect

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"firmbuild/internal/config"
)

// Source file extensions the toolchain handles.
const (
	ExtC   = ".c"
	ExtCPP = ".cpp"
	ExtAsm = ".s"
)

// DefaultPatterns selects C and C++ sources.
const DefaultPatterns = "*.c;*.cpp"

// DefaultLibraryPattern selects static libraries.
const DefaultLibraryPattern = "*.lib"

var headerExts = []string{".h", ".hpp"}

// Directory names never used as include directories (nor descended into).
var skippedDirs = []string{"List", "Obj", "ObjD", "ObjT", "ObjRelease", "Log"}

// Version-control metadata directories.
var vcsDirs = []string{".svn", ".git", ".hg"}

// SourceFile is an enumerated source.
type SourceFile struct {
	Path    string
	Ext     string
	ModTime time.Time
}

// FileOptions controls AddFiles.
type FileOptions struct {
	// Patterns is a `;` or `,` separated list of file name globs.
	Patterns string
	// Excludes is a `;` or `,` separated list of file names or name fragments.
	Excludes string
	// TopOnly disables recursion.
	TopOnly bool
}

// Collector accumulates sources, include directories and libraries.
type Collector struct {
	log       zerolog.Logger
	onExclude func(rule string)
	files     []SourceFile
	fileSet   config.StringSet
	includes  config.StringSet
	libs      config.StringSet
}

// New creates an empty Collector.
func New(log zerolog.Logger) *Collector {
	return &Collector{log: log}
}

// OnExclude registers a callback for files skipped by an exclusion rule.
func (c *Collector) OnExclude(f func(rule string)) {
	c.onExclude = f
}

// Sources returns the collected files in discovery order.
func (c *Collector) Sources() []SourceFile {
	result := make([]SourceFile, len(c.files))
	copy(result, c.files)
	return result
}

// Includes returns the admitted include directories.
func (c *Collector) Includes() []string {
	return c.includes.Items()
}

// Libraries returns the discovered library paths.
func (c *Collector) Libraries() []string {
	return c.libs.Items()
}

func splitList(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ';' || r == ','
	})
	result := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			result = append(result, f)
		}
	}
	return result
}

func compilePatterns(s string) ([]glob.Glob, error) {
	var result []glob.Glob
	for _, p := range splitList(s) {
		g, err := glob.Compile(strings.ToLower(p))
		if err != nil {
			return nil, errors.Wrapf(err, "invalid pattern \"%s\"", p)
		}
		result = append(result, g)
	}
	return result, nil
}

func matchAny(globs []glob.Glob, name string) bool {
	name = strings.ToLower(name)
	for _, g := range globs {
		if g.Match(name) {
			return true
		}
	}
	return false
}

func isSourceExt(ext string) bool {
	switch ext {
	case ExtC, ExtCPP, ExtAsm:
		return true
	}
	return false
}

// excludedBy returns the rule excluding `name`, or "".
func excludedBy(excludes []string, name string) string {
	for _, e := range excludes {
		if strings.EqualFold(e, name) {
			return e
		}
	}
	lower := strings.ToLower(name)
	for _, e := range excludes {
		if strings.Contains(lower, strings.ToLower(e)) {
			return e
		}
	}
	return ""
}

// AddFiles adds source files under `root`. Returns the number of newly added files.
func (c *Collector) AddFiles(root string, opts FileOptions) (int, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to resolve \"%s\"", root)
	}
	patterns := opts.Patterns
	if strings.TrimSpace(patterns) == "" {
		patterns = DefaultPatterns
	}
	globs, err := compilePatterns(patterns)
	if err != nil {
		return 0, err
	}
	excludes := splitList(opts.Excludes)

	count := 0
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && (opts.TopOnly || isSkippedDir(d.Name())) {
				return filepath.SkipDir
			}
			return nil
		}
		name := d.Name()
		ext := strings.ToLower(filepath.Ext(name))
		if !isSourceExt(ext) || !matchAny(globs, name) {
			return nil
		}
		if rule := excludedBy(excludes, name); rule != "" {
			c.log.Info().Str("file", path).Str("rule", rule).Msg("excluded")
			if c.onExclude != nil {
				c.onExclude(rule)
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if c.fileSet.Add(path) {
			c.files = append(c.files, SourceFile{Path: path, Ext: ext, ModTime: info.ModTime()})
			count++
		}
		return nil
	})
	if err != nil {
		return count, errors.Wrapf(err, "failed to scan \"%s\"", root)
	}
	c.log.Debug().Str("root", root).Int("added", count).Msg("sources")
	return count, nil
}

func isSkippedDir(name string) bool {
	for _, v := range vcsDirs {
		if strings.EqualFold(name, v) {
			return true
		}
	}
	for _, v := range skippedDirs {
		if strings.EqualFold(name, v) {
			return true
		}
	}
	return false
}

func isHeader(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, h := range headerExts {
		if ext == h {
			return true
		}
	}
	return false
}

// HasHeaderFile reports whether `dir` or any non-skipped descendant holds a header.
func HasHeaderFile(dir string) bool {
	found := false
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != dir && isSkippedDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if isHeader(d.Name()) {
			found = true
			return filepath.SkipAll
		}
		return nil
	})
	return found
}

func (c *Collector) addInclude(dir string) {
	if c.includes.Contains(dir) || !HasHeaderFile(dir) {
		return
	}
	c.includes.Add(dir)
	c.log.Debug().Str("dir", dir).Msg("include")
}

// AddIncludes admits `root` and, when `sub`, its descendants (only direct
// children unless `allSub`) as include directories if they hold headers.
func (c *Collector) AddIncludes(root string, sub, allSub bool) error {
	root, err := filepath.Abs(root)
	if err != nil {
		return errors.Wrapf(err, "failed to resolve \"%s\"", root)
	}
	if st, err := os.Stat(root); err != nil || !st.IsDir() {
		c.log.Debug().Str("dir", root).Msg("include root does not exist")
		return nil
	}
	c.addInclude(root)
	if !sub {
		return nil
	}
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() || path == root {
			return nil
		}
		if isSkippedDir(d.Name()) {
			return filepath.SkipDir
		}
		c.addInclude(path)
		if !allSub {
			return filepath.SkipDir
		}
		return nil
	})
	return errors.Wrapf(err, "failed to scan \"%s\"", root)
}

// AddLibs discovers static libraries under `root` matching `pattern`.
func (c *Collector) AddLibs(root string, pattern string) (int, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to resolve \"%s\"", root)
	}
	if st, err := os.Stat(root); err != nil || !st.IsDir() {
		return 0, nil
	}
	if pattern == "" {
		pattern = DefaultLibraryPattern
	}
	globs, err := compilePatterns(pattern)
	if err != nil {
		return 0, err
	}
	count := 0
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !matchAny(globs, d.Name()) {
			return nil
		}
		if c.libs.Add(path) {
			count++
			c.log.Info().Str("name", strings.TrimSuffix(d.Name(), filepath.Ext(d.Name()))).Str("path", path).Msg("found library")
		}
		return nil
	})
	if err != nil {
		return count, errors.Wrapf(err, "failed to scan \"%s\"", root)
	}
	return count, nil
}
