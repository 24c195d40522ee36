// Package library picks static library variants and archives objects into
// static libraries.
package library

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"firmbuild/internal/logging"
	"firmbuild/internal/toolchain"
)

// Ext is the static library extension.
const Ext = ".lib"

// Artifact is a discovered static library.
type Artifact struct {
	// Name is the logical name, variant suffix stripped.
	Name  string
	Debug bool
	Tiny  bool
	Path  string
}

// Parse derives the variant of the library at `path`. A trailing upper case
// `D` marks a debug build and a trailing upper case `T` a tiny one; lower
// case letters belong to the name (`Net`, `Pad`).
func Parse(path string) Artifact {
	base := filepath.Base(path)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	a := Artifact{Name: name, Path: path}
	if name == "" {
		return a
	}
	switch name[len(name)-1] {
	case 'D':
		a.Debug = true
	case 'T':
		a.Tiny = true
	default:
		return a
	}
	a.Name = name[:len(name)-1]
	return a
}

func (a Artifact) matches(debug, tiny bool) bool {
	return a.Debug == debug && a.Tiny == tiny
}

// Resolve keeps one variant per logical name (compared ignoring case). The
// first candidate wins unless a later one matches (`debug`, `tiny`) and the
// recorded one does not. Entries keep first-discovery order.
func Resolve(paths []string, debug, tiny bool) []Artifact {
	var result []Artifact
	index := make(map[string]int)
	for _, p := range paths {
		a := Parse(p)
		key := strings.ToLower(a.Name)
		i, ok := index[key]
		if !ok {
			index[key] = len(result)
			result = append(result, a)
			continue
		}
		if a.matches(debug, tiny) && !result[i].matches(debug, tiny) {
			result[i] = a
		}
	}
	return result
}

// Paths returns the artifact paths in order.
func Paths(artifacts []Artifact) []string {
	result := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		result = append(result, a.Path)
	}
	return result
}

// Archiver creates static libraries.
type Archiver struct {
	Tool   string
	Runner toolchain.Runner
	Log    zerolog.Logger
}

// FileName appends the library extension unless already present.
func FileName(name string) string {
	if strings.EqualFold(filepath.Ext(name), Ext) {
		return name
	}
	return name + Ext
}

// CreateArgs returns the archiver arguments.
func CreateArgs(lib string, objects []string) []string {
	args := []string{"--create", "-c", "-r", FileName(lib)}
	return append(args, objects...)
}

// Create archives `objects` into `lib`.
func (a *Archiver) Create(ctx context.Context, lib string, objects []string) toolchain.Result {
	res := a.Runner.Run(ctx, toolchain.Command{Tool: a.Tool, Args: CreateArgs(lib, objects)})
	logging.ToolOutput(a.Log, "archive", res.Output())
	a.Log.Info().Str("lib", FileName(lib)).Int("code", res.Code).Int("objects", len(objects)).Msg("archive done")
	return res
}
