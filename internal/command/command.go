// Package command builds toolchain command lines from a build configuration.
package command

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/kballard/go-shellquote"
	"github.com/pkg/errors"

	"firmbuild/internal/config"
)

// Language of a compiled source.
type Language int

const (
	LangC Language = iota
	LangCPP
)

func (l Language) String() string {
	if l == LangCPP {
		return "c++"
	}
	return "c"
}

// LanguageOf returns the language for a source extension.
func LanguageOf(ext string) Language {
	if strings.EqualFold(ext, ".cpp") {
		return LangCPP
	}
	return LangC
}

// ObjectExt is the extension of compiled objects.
const ObjectExt = ".o"

// Line is an argument vector (without the executable).
type Line []string

// String renders the line with shell quoting.
func (l Line) String() string {
	return shellquote.Join(l...)
}

// With returns a copy of `l` followed by `args`.
func (l Line) With(args ...string) Line {
	result := make(Line, 0, len(l)+len(args))
	result = append(result, l...)
	return append(result, args...)
}

// ParseLine splits a shell quoted string into a Line.
func ParseLine(s string) (Line, error) {
	args, err := shellquote.Split(s)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to split \"%s\"", s)
	}
	return Line(args), nil
}

// Builder produces compile and assemble command lines. It holds no mutable
// state, so equal configurations yield equal lines.
type Builder struct {
	cpu      string
	dialect  config.Dialect
	debug    bool
	tiny     bool
	linux    bool
	defines  []string
	includes []string
	extra    []string
}

// New creates a Builder. `includes` are appended to the configured include paths.
func New(cfg *config.Config, includes []string) (*Builder, error) {
	inc := cfg.Includes.Clone()
	for _, p := range includes {
		inc.Add(p)
	}
	var extra []string
	for _, e := range cfg.ExtraCompile {
		args, err := ParseLine(strings.TrimSpace(e))
		if err != nil {
			return nil, errors.Wrap(err, "invalid extra compile flag")
		}
		extra = append(extra, args...)
	}
	return &Builder{
		cpu:      cfg.CPU,
		dialect:  cfg.Dialect,
		debug:    cfg.Debug,
		tiny:     cfg.Tiny,
		linux:    cfg.Linux,
		defines:  cfg.Defines.Items(),
		includes: inc.Items(),
		extra:    extra,
	}, nil
}

// Dialect returns the configured dialect.
func (b *Builder) Dialect() config.Dialect {
	return b.dialect
}

// Includes returns the include directories in flag order.
func (b *Builder) Includes() []string {
	return append([]string(nil), b.includes...)
}

func (b *Builder) optimize() string {
	if b.debug {
		return "-O0"
	}
	return "-O3"
}

// IncludeFlag formats an include directory.
func IncludeFlag(path string) string {
	return "-I" + filepath.ToSlash(filepath.Clean(path))
}

// DefineFlag formats a macro definition.
func DefineFlag(def string) string {
	return "-D" + def
}

// Compile returns the command line shared by every source of `lang`.
func (b *Builder) Compile(lang Language) Line {
	var l Line
	if b.dialect == config.DialectModern {
		if lang == LangCPP {
			l = append(l, "-xc++", "-std=c++14")
		} else {
			l = append(l, "-xc")
		}
		l = append(l,
			"--target=arm-arm-none-eabi", "-funsigned-char", "-MD",
			"-mcpu="+strings.ToLower(b.cpu), "-D__MICROLIB", "-gdwarf-3", b.optimize(),
			"-ffunction-sections", "-Warmcc-pragma-arm")
	} else {
		l = append(l, "-c")
		if lang == LangCPP {
			l = append(l, "--cpp11")
		}
		l = append(l,
			"--cpu", b.cpu, "-D__MICROLIB", "-g", b.optimize(),
			"--apcs=interwork", "--split_sections", "--multibyte_chars")
		if b.linux {
			l = append(l, "--enum_is_int", "--wchar32")
		}
	}

	if b.debug {
		l = append(l, "-DDEBUG", "-DUSE_FULL_ASSERT")
	}
	if b.tiny {
		l = append(l, "-DTINY")
	}
	for _, d := range b.defines {
		l = append(l, DefineFlag(d))
	}
	l = append(l, b.extra...)
	for _, inc := range b.includes {
		l = append(l, IncludeFlag(inc))
	}
	return l
}

// ForSource completes a compile line for one source. `objBase` is the object
// path without extension. Preprocessing only changes the output extension.
func (b *Builder) ForSource(line Line, src, objBase string, preprocess bool) Line {
	out := objBase + ObjectExt
	var args []string
	if preprocess {
		args = append(args, "-E")
		out = objBase + filepath.Ext(src)
	}
	args = append(args, "-o", out)
	if b.dialect != config.DialectModern {
		args = append(args, "--omf_browse", objBase+".crf", "--depend", objBase+".d")
	}
	args = append(args, "-c", src)
	return line.With(args...)
}

// pseudoDefine formats an assembler `SETA 1` definition.
func pseudoDefine(name string) []string {
	return []string{"--pd", fmt.Sprintf("%s SETA 1", name)}
}

// Assemble returns the assembler line for `src`. `objBase` and `lstBase`
// are the object and listing paths without extension.
func (b *Builder) Assemble(src, objBase, lstBase string) Line {
	l := Line{"--cpu", b.cpu, "-g", "--apcs=interwork"}
	l = append(l, pseudoDefine("__MICROLIB")...)
	for _, d := range b.defines {
		l = append(l, pseudoDefine(d)...)
	}
	if b.debug {
		l = append(l, pseudoDefine("DEBUG")...)
	}
	if b.tiny {
		l = append(l, pseudoDefine("TINY")...)
	}
	return l.With(
		"--list", lstBase+".lst", "--xref",
		"-o", objBase+ObjectExt, "--depend", objBase+".d",
		src)
}
