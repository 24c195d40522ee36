/*
 * Atomic replacement of build outputs.
 *
 * Performs:
 *  1. Output to a temporary file in the directory of the final output.
 *  2. Rename it over the final output.
 */
package image

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/myesui/uuid.v1"
)

// TransientOutput is a pending replacement of Output by TempOutput.
type TransientOutput struct {
	Output     string
	TempOutput string
	done       bool
}

// NewTransientOutput names a temporary file next to `path`.
func NewTransientOutput(path string) *TransientOutput {
	result := new(TransientOutput)
	result.Output = filepath.Clean(path)
	id := uuid.NewV4()
	result.TempOutput = filepath.Join(filepath.Dir(result.Output), "fb-"+id.String()+".tmp")
	return result
}

// Create opens the temporary file for writing.
func (t *TransientOutput) Create(perm os.FileMode) (*os.File, error) {
	f, err := os.OpenFile(t.TempOutput, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create \"%s\"", t.TempOutput)
	}
	return f, nil
}

// Commit renames the temporary file over the output.
func (t *TransientOutput) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	if err := os.Rename(t.TempOutput, t.Output); err != nil {
		os.Remove(t.TempOutput)
		return errors.Wrapf(err, "failed to rename \"%s\" to \"%s\"", t.TempOutput, t.Output)
	}
	return nil
}

// Abort discards the temporary file.
func (t *TransientOutput) Abort() error {
	if t.done {
		return nil
	}
	t.done = true
	if err := os.Remove(t.TempOutput); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Done reports whether the output was committed or aborted.
func (t *TransientOutput) Done() bool {
	return t.done
}

// WriteAtomic replaces `path` with what `write` produces. `path` is left
// untouched when `write` fails.
func WriteAtomic(path string, perm os.FileMode, write func(w io.Writer) error) error {
	t := NewTransientOutput(path)
	f, err := t.Create(perm)
	if err != nil {
		return err
	}
	defer func() {
		if !t.Done() {
			t.Abort()
		}
	}()
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "failed to close \"%s\"", t.TempOutput)
	}
	return t.Commit()
}
