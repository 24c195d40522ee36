// Package config holds the build configuration of a firmware image.
//
// A Config is decoded from firmbuild.yml (or .toml), overridden by the
// environment and the command line, then finalized once. Stages only ever
// see the finalized value.
package config

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Dialect selects the compiler command-line flavor.
type Dialect string

const (
	// DialectLegacy is armcc.
	DialectLegacy Dialect = "legacy"
	// DialectModern is armclang.
	DialectModern Dialect = "modern"
)

const (
	DefaultCPU         = "Cortex-M0"
	DefaultRebuildTime = 60
	DefaultCodeBase    = "0x08000000"
	DefaultDataBase    = "0x20000000"
	DefaultEntry       = "__Vectors"
	DefaultTimeout     = 5 * time.Minute

	DefaultDatePlaceholder     = "yyyy-MM-dd HH:mm:ss"
	DefaultIdentityPlaceholder = "NewLife_Embedded_Team"
)

// SourceRoot is a directory scanned for source files.
type SourceRoot struct {
	Path     string `yaml:"path" toml:"path"`
	Patterns string `yaml:"patterns" toml:"patterns"`
	Excludes string `yaml:"excludes" toml:"excludes"`
	TopOnly  bool   `yaml:"top_only" toml:"top_only"`
}

// IncludeRoot is a directory scanned for include directories.
type IncludeRoot struct {
	Path    string `yaml:"path" toml:"path"`
	NoSub   bool   `yaml:"no_sub" toml:"no_sub"`
	TopOnly bool   `yaml:"top_only" toml:"top_only"`
}

// LibraryRoot is a directory scanned for static libraries.
type LibraryRoot struct {
	Path    string `yaml:"path" toml:"path"`
	Pattern string `yaml:"pattern" toml:"pattern"`
}

// Toolchain names the external executables.
type Toolchain struct {
	Dir       string `yaml:"dir" toml:"dir"`
	Compiler  string `yaml:"compiler" toml:"compiler"`
	Assembler string `yaml:"assembler" toml:"assembler"`
	Linker    string `yaml:"linker" toml:"linker"`
	Archiver  string `yaml:"archiver" toml:"archiver"`
	Extractor string `yaml:"extractor" toml:"extractor"`
}

// Provenance names the placeholders patched into the linked image.
type Provenance struct {
	DatePlaceholder     string `yaml:"date_placeholder" toml:"date_placeholder"`
	IdentityPlaceholder string `yaml:"identity_placeholder" toml:"identity_placeholder"`
}

// Config is the build configuration.
type Config struct {
	Name        string        `yaml:"name" toml:"name"`
	Output      string        `yaml:"output" toml:"output"`
	CPU         string        `yaml:"cpu" toml:"cpu"`
	Cortex      int           `yaml:"cortex" toml:"cortex"`
	Debug       bool          `yaml:"debug" toml:"debug"`
	Tiny        bool          `yaml:"tiny" toml:"tiny"`
	Preprocess  bool          `yaml:"preprocess" toml:"preprocess"`
	Dialect     Dialect       `yaml:"dialect" toml:"dialect"`
	Linux       bool          `yaml:"linux" toml:"linux"`
	RebuildTime int           `yaml:"rebuild_time" toml:"rebuild_time"`
	Timeout     time.Duration `yaml:"timeout" toml:"timeout"`
	Jobs        int           `yaml:"jobs" toml:"jobs"`

	Defines      StringSet `yaml:"defines" toml:"defines"`
	Includes     StringSet `yaml:"includes" toml:"includes"`
	ExtraCompile []string  `yaml:"extra_compile" toml:"extra_compile"`
	ExtraLink    []string  `yaml:"extra_link" toml:"extra_link"`

	Scatter  string `yaml:"scatter" toml:"scatter"`
	CodeBase string `yaml:"code_base" toml:"code_base"`
	DataBase string `yaml:"data_base" toml:"data_base"`
	Entry    string `yaml:"entry" toml:"entry"`

	Sources      []SourceRoot  `yaml:"sources" toml:"sources"`
	IncludeRoots []IncludeRoot `yaml:"include_roots" toml:"include_roots"`
	Libraries    []LibraryRoot `yaml:"libraries" toml:"libraries"`

	Toolchain  Toolchain         `yaml:"toolchain" toml:"toolchain"`
	Provenance Provenance        `yaml:"provenance" toml:"provenance"`
	Variables  map[string]string `yaml:"variables" toml:"variables"`

	finalized bool
}

// Default returns a configuration holding the default values.
func Default() *Config {
	return &Config{
		CPU:         DefaultCPU,
		Dialect:     DialectLegacy,
		RebuildTime: DefaultRebuildTime,
		Timeout:     DefaultTimeout,
		CodeBase:    DefaultCodeBase,
		DataBase:    DefaultDataBase,
		Entry:       DefaultEntry,
		Variables:   map[string]string{},
	}
}

// CortexCPU returns the CPU name for a Cortex-M core number.
func CortexCPU(n int) string {
	cpu := fmt.Sprintf("Cortex-M%d", n)
	if n == 4 {
		cpu += ".fp"
	}
	return cpu
}

// SetCortex sets Cortex and the derived CPU name.
func (c *Config) SetCortex(n int) {
	c.Cortex = n
	c.CPU = CortexCPU(n)
}

// RebuildThreshold is RebuildTime as a duration.
func (c *Config) RebuildThreshold() time.Duration {
	return time.Duration(c.RebuildTime) * time.Minute
}

// Finalized reports whether Finalize produced this value.
func (c *Config) Finalized() bool {
	return c.finalized
}

// Finalize expands variables, fills defaults and validates.
// The receiver is left untouched; the returned value must not be modified.
func (c *Config) Finalize() (*Config, error) {
	r := *c
	r.Defines = c.Defines.Clone()
	r.ExtraCompile = append([]string(nil), c.ExtraCompile...)
	r.ExtraLink = append([]string(nil), c.ExtraLink...)
	r.Sources = append([]SourceRoot(nil), c.Sources...)
	r.IncludeRoots = append([]IncludeRoot(nil), c.IncludeRoots...)
	r.Libraries = append([]LibraryRoot(nil), c.Libraries...)
	r.Variables = make(map[string]string, len(c.Variables))
	for k, v := range c.Variables {
		r.Variables[k] = v
	}

	if r.Cortex > 0 {
		r.CPU = CortexCPU(r.Cortex)
	}
	if r.CPU == "" {
		r.CPU = DefaultCPU
	}
	switch r.Dialect {
	case "":
		r.Dialect = DialectLegacy
	case DialectLegacy, DialectModern:
		/* NO-OP */
	default:
		return nil, errors.Errorf("unknown dialect \"%s\"", r.Dialect)
	}
	if r.RebuildTime < 0 {
		return nil, errors.Errorf("rebuild_time must not be negative (%d)", r.RebuildTime)
	}
	if r.Timeout <= 0 {
		r.Timeout = DefaultTimeout
	}
	if r.Jobs <= 0 {
		r.Jobs = runtime.NumCPU()
	}
	if r.CodeBase == "" {
		r.CodeBase = DefaultCodeBase
	}
	if r.DataBase == "" {
		r.DataBase = DefaultDataBase
	}
	if r.Entry == "" {
		r.Entry = DefaultEntry
	}
	if r.Provenance.DatePlaceholder == "" {
		r.Provenance.DatePlaceholder = DefaultDatePlaceholder
	}
	if r.Provenance.IdentityPlaceholder == "" {
		r.Provenance.IdentityPlaceholder = DefaultIdentityPlaceholder
	}

	expand := func(s *string) error {
		v, err := StrictInterpolate(*s, r.Variables)
		if err != nil {
			return err
		}
		*s = v
		return nil
	}
	for _, p := range []*string{
		&r.Output, &r.Name, &r.Scatter,
		&r.Toolchain.Dir, &r.Toolchain.Compiler, &r.Toolchain.Assembler,
		&r.Toolchain.Linker, &r.Toolchain.Archiver, &r.Toolchain.Extractor,
	} {
		if err := expand(p); err != nil {
			return nil, err
		}
	}
	for i := range r.Sources {
		if err := expand(&r.Sources[i].Path); err != nil {
			return nil, err
		}
	}
	for i := range r.IncludeRoots {
		if err := expand(&r.IncludeRoots[i].Path); err != nil {
			return nil, err
		}
	}
	for i := range r.Libraries {
		if err := expand(&r.Libraries[i].Path); err != nil {
			return nil, err
		}
	}
	var includes StringSet
	for _, inc := range c.Includes.Items() {
		if err := expand(&inc); err != nil {
			return nil, err
		}
		abs, err := filepath.Abs(inc)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to resolve include \"%s\"", inc)
		}
		includes.Add(abs)
	}
	r.Includes = includes
	var defines StringSet
	for _, d := range r.Defines.Items() {
		if err := expand(&d); err != nil {
			return nil, err
		}
		defines.Add(strings.TrimSpace(d))
	}
	r.Defines = defines

	r.finalized = true
	return &r, nil
}
