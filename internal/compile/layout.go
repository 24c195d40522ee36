// Package compile dispatches compiler and assembler runs for a source set and
// tracks the resulting objects.
package compile

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

const sep = string(filepath.Separator)

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

// CommonRoot returns the deepest directory, ending with a separator, that
// contains every path. The search starts at the first path's directory.
func CommonRoot(paths []string) string {
	if len(paths) == 0 {
		return ""
	}
	dir := filepath.Dir(paths[0])
	for {
		prefix := dir
		if !strings.HasSuffix(prefix, sep) {
			prefix += sep
		}
		all := true
		for _, p := range paths {
			if !hasPrefixFold(p, prefix) {
				all = false
				break
			}
		}
		parent := filepath.Dir(dir)
		if all || parent == dir {
			return prefix
		}
		dir = parent
	}
}

// Layout maps sources to output paths.
type Layout struct {
	Output string
	Root   string
	Debug  bool
	Tiny   bool
}

// ObjDirName is Obj, ObjT for tiny builds or ObjD for debug builds.
func (l Layout) ObjDirName() string {
	switch {
	case l.Tiny:
		return "ObjT"
	case l.Debug:
		return "ObjD"
	}
	return "Obj"
}

// ObjDir is the object directory.
func (l Layout) ObjDir() string {
	return filepath.Join(l.Output, l.ObjDirName())
}

// ListDir is the listing directory.
func (l Layout) ListDir() string {
	return filepath.Join(l.Output, "List")
}

func trimExt(p string) string {
	return strings.TrimSuffix(p, filepath.Ext(p))
}

// ObjectBase is the object path of `src` without extension. Sources outside
// Root are placed by base name.
func (l Layout) ObjectBase(src string) string {
	rel := filepath.Base(src)
	if l.Root != "" && hasPrefixFold(src, l.Root) {
		rel = src[len(l.Root):]
	}
	return filepath.Join(l.ObjDir(), trimExt(rel))
}

// ListBase is the listing path of `src` without extension.
func (l Layout) ListBase(src string) string {
	return filepath.Join(l.ListDir(), trimExt(filepath.Base(src)))
}

// Fresh reports whether the object at `obj` can be reused for a source
// modified at `srcTime`. A threshold <= 0 never reuses.
func Fresh(obj string, srcTime time.Time, threshold time.Duration, now time.Time) bool {
	if threshold <= 0 {
		return false
	}
	st, err := os.Stat(obj)
	if err != nil {
		return false
	}
	mtime := st.ModTime()
	return mtime.After(srcTime) && now.Sub(mtime) < threshold
}
