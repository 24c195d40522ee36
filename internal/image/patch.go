// Package image stamps build provenance into linked images and extracts
// flat binaries from them.
package image

import (
	"bytes"
	"os"
	"os/user"
	"strings"
	"time"

	"github.com/pkg/errors"

	"firmbuild/internal/config"
)

// DateLayout formats the build time written over the date placeholder.
const DateLayout = "2006-01-02 15:04:05"

// Provenance is the data stamped into an image.
type Provenance struct {
	DatePlaceholder     string
	IdentityPlaceholder string
	Time                time.Time
	Identity            string
}

// NewProvenance stamps the current time and `<machine>_<user>` over the
// placeholders configured in `p`.
func NewProvenance(p config.Provenance) Provenance {
	return Provenance{
		DatePlaceholder:     p.DatePlaceholder,
		IdentityPlaceholder: p.IdentityPlaceholder,
		Time:                time.Now(),
		Identity:            MachineIdentity(),
	}
}

// MachineIdentity returns `<machine>_<user>`.
func MachineIdentity() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	name := "unknown"
	if u, err := user.Current(); err == nil && u.Username != "" {
		name = u.Username
	} else if v := os.Getenv("USER"); v != "" {
		name = v
	}
	// DOMAIN\user
	if i := strings.LastIndexAny(name, `\/`); i >= 0 {
		name = name[i+1:]
	}
	return host + "_" + name
}

// PatchResult tells which placeholders were overwritten.
type PatchResult struct {
	Date     string
	Identity string
}

// Patched reports whether anything was written.
func (r PatchResult) Patched() bool {
	return r.Date != "" || r.Identity != ""
}

// overwrite replaces the first occurrence of `placeholder` in `data` by
// `value`, truncated to the placeholder length and NUL-terminated when
// shorter. Returns the written value, or "" when not found.
func overwrite(data []byte, placeholder, value string) string {
	if placeholder == "" {
		return ""
	}
	i := bytes.Index(data, []byte(placeholder))
	if i < 0 {
		return ""
	}
	if len(value) > len(placeholder) {
		value = value[:len(placeholder)]
	}
	n := copy(data[i:i+len(placeholder)], value)
	if n < len(placeholder) {
		data[i+n] = 0
	}
	return value
}

// Patch returns a copy of `data` with the provenance stamped over the
// placeholders. A missing placeholder is skipped. The length never changes.
func Patch(data []byte, p Provenance) ([]byte, PatchResult) {
	result := make([]byte, len(data))
	copy(result, data)
	var r PatchResult
	r.Date = overwrite(result, p.DatePlaceholder, p.Time.Format(DateLayout))
	r.Identity = overwrite(result, p.IdentityPlaceholder, p.Identity)
	return result, r
}

// PatchFile stamps the image at `path` and replaces it atomically.
// The file is not rewritten when no placeholder is found.
func PatchFile(path string, p Provenance) (PatchResult, error) {
	st, err := os.Stat(path)
	if err != nil {
		return PatchResult{}, errors.Wrapf(err, "failed to stat \"%s\"", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return PatchResult{}, errors.Wrapf(err, "failed to read \"%s\"", path)
	}
	patched, r := Patch(data, p)
	if !r.Patched() {
		return r, nil
	}
	if len(patched) != len(data) {
		return PatchResult{}, errors.Errorf("patched image length %d differs from %d", len(patched), len(data))
	}
	t := NewTransientOutput(path)
	if err := os.WriteFile(t.TempOutput, patched, st.Mode().Perm()); err != nil {
		t.Abort()
		return PatchResult{}, errors.Wrapf(err, "failed to write \"%s\"", t.TempOutput)
	}
	if err := t.Commit(); err != nil {
		return PatchResult{}, err
	}
	return r, nil
}
