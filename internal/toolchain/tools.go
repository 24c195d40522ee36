package toolchain

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/pkg/errors"

	"firmbuild/internal/config"
)

// EnvToolDir names the toolchain installation directory when none is configured.
const EnvToolDir = "FIRMBUILD_TOOLCHAIN_DIR"

// Default executable names.
const (
	LegacyCompiler = "armcc"
	ModernCompiler = "armclang"
	Assembler      = "armasm"
	Linker         = "armlink"
	Archiver       = "armar"
	Extractor      = "fromelf"
)

// Tools holds the resolved executable paths.
type Tools struct {
	Compiler  string
	Assembler string
	Linker    string
	Archiver  string
	Extractor string
}

// ResolveTools locates every executable of `cfg`. Explicit paths win; bare
// names are probed in the toolchain directory (its `bin` sub-directory
// included), then in PATH.
func ResolveTools(cfg *config.Config) (Tools, error) {
	return resolveTools(cfg, os.LookupEnv, exec.LookPath)
}

// ResolveTool locates one executable: `configured` when set, else `fallback`.
func ResolveTool(cfg *config.Config, configured, fallback string) (string, error) {
	dir := cfg.Toolchain.Dir
	if dir == "" {
		dir = os.Getenv(EnvToolDir)
	}
	name := configured
	if name == "" {
		name = fallback
	}
	return findExecutable(name, dir, exec.LookPath)
}

func resolveTools(cfg *config.Config, env func(string) (string, bool), lookPath func(string) (string, error)) (Tools, error) {
	dir := cfg.Toolchain.Dir
	if dir == "" {
		dir, _ = env(EnvToolDir)
	}
	compiler := LegacyCompiler
	if cfg.Dialect == config.DialectModern {
		compiler = ModernCompiler
	}
	var result Tools
	for _, t := range []struct {
		dst        *string
		configured string
		fallback   string
	}{
		{&result.Compiler, cfg.Toolchain.Compiler, compiler},
		{&result.Assembler, cfg.Toolchain.Assembler, Assembler},
		{&result.Linker, cfg.Toolchain.Linker, Linker},
		{&result.Archiver, cfg.Toolchain.Archiver, Archiver},
		{&result.Extractor, cfg.Toolchain.Extractor, Extractor},
	} {
		name := t.configured
		if name == "" {
			name = t.fallback
		}
		p, err := findExecutable(name, dir, lookPath)
		if err != nil {
			return Tools{}, err
		}
		*t.dst = p
	}
	return result, nil
}

func findExecutable(name, dir string, lookPath func(string) (string, error)) (string, error) {
	if filepath.IsAbs(name) || filepath.Base(name) != name {
		if isFile(name) {
			return filepath.Clean(name), nil
		}
		return "", errors.Errorf("tool \"%s\" does not exist", name)
	}
	if dir != "" {
		for _, d := range []string{filepath.Join(dir, "bin"), dir} {
			for _, n := range candidates(name) {
				p := filepath.Join(d, n)
				if isFile(p) {
					return filepath.Clean(p), nil
				}
			}
		}
	}
	p, err := lookPath(name)
	if err != nil {
		return "", errors.Wrapf(err, "tool \"%s\" not found", name)
	}
	return p, nil
}

func candidates(name string) []string {
	if runtime.GOOS == "windows" && filepath.Ext(name) == "" {
		return []string{name + ".exe", name}
	}
	return []string{name}
}

func isFile(p string) bool {
	st, err := os.Stat(p)
	return err == nil && !st.IsDir()
}
