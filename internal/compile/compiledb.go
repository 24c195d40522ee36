package compile

import (
	"encoding/json"
	"io"
	"os"

	"github.com/pkg/errors"

	"firmbuild/internal/image"
)

// DatabaseFile is the compilation database name under the output directory.
const DatabaseFile = "compile_commands.json"

// DatabaseEntry is an entry of a JSON compilation database (https://clang.llvm.org/docs/JSONCompilationDatabase.html)
type DatabaseEntry struct {
	// The working directory
	Directory string `json:"directory"`
	// The source file
	File string `json:"file"`
	// The output
	Output string `json:"output"`
	// Compilation command, executable first
	Arguments []string `json:"arguments"`
}

// WriteDatabaseFile replaces `outPath` with the database of `entries`.
func WriteDatabaseFile(outPath string, entries []DatabaseEntry) error {
	err := image.WriteAtomic(outPath, 0o644, func(w io.Writer) error {
		return WriteDatabase(w, entries)
	})
	return errors.Wrapf(err, "failed to write \"%s\"", outPath)
}

// WriteDatabase writes `entries` to `output`.
func WriteDatabase(output io.Writer, entries []DatabaseEntry) error {
	if entries == nil {
		entries = []DatabaseEntry{}
	}
	b, err := json.MarshalIndent(entries, "", "    ")
	if err != nil {
		return errors.Wrapf(err, "failed to marshal entries")
	}
	if _, err := output.Write(b); err != nil {
		return errors.Wrapf(err, "failed to write marshaled entries")
	}
	return nil
}

// ReadDatabase loads a database written by WriteDatabaseFile.
func ReadDatabase(path string) ([]DatabaseEntry, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read \"%s\"", path)
	}
	var entries []DatabaseEntry
	if err := json.Unmarshal(b, &entries); err != nil {
		return nil, errors.Wrapf(err, "failed to parse \"%s\"", path)
	}
	return entries, nil
}
