// Package link invokes the linker on compiled objects and resolved libraries.
package link

import (
	"context"
	"os"
	"strings"

	"github.com/kballard/go-shellquote"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"firmbuild/internal/config"
	"firmbuild/internal/library"
	"firmbuild/internal/logging"
	"firmbuild/internal/toolchain"
)

// ErrLinkFailed is returned when the linker exits with a non-zero code.
var ErrLinkFailed = errors.New("link failed")

// Request is one link.
type Request struct {
	Objects   []string
	Libraries []library.Artifact
	// Image is the linked output (.axf).
	Image string
	// Map is the listing path without extension.
	Map string
}

// ScatterFile returns the configured scatter file when it exists.
func ScatterFile(cfg *config.Config) string {
	if cfg.Scatter == "" {
		return ""
	}
	if st, err := os.Stat(cfg.Scatter); err != nil || st.IsDir() {
		return ""
	}
	return cfg.Scatter
}

var reportArgs = []string{
	"--summary_stderr", "--info", "summarysizes", "--map", "--xref", "--callgraph", "--symbols",
	"--info", "sizes", "--info", "totals", "--info", "veneers",
	"--diag_suppress", "L6803", "--diag_suppress", "L6314",
}

// Args returns the linker arguments for `req`.
func Args(req Request, cfg *config.Config) ([]string, error) {
	args := []string{"--cpu", cfg.CPU, "--library_type=microlib", "--strict"}
	if scatter := ScatterFile(cfg); scatter != "" {
		args = append(args, "--scatter", scatter)
	} else {
		args = append(args, "--ro-base", cfg.CodeBase, "--rw-base", cfg.DataBase, "--first", cfg.Entry)
	}
	args = append(args, reportArgs...)
	for _, e := range cfg.ExtraLink {
		extra, err := shellquote.Split(strings.TrimSpace(e))
		if err != nil {
			return nil, errors.Wrapf(err, "invalid extra link flag \"%s\"", e)
		}
		args = append(args, extra...)
	}
	args = append(args, "--list", req.Map+".map", "-o", req.Image)
	args = append(args, req.Objects...)
	return append(args, library.Paths(req.Libraries)...), nil
}

// Linker runs the link step.
type Linker struct {
	Tool   string
	Runner toolchain.Runner
	Config *config.Config
	Log    zerolog.Logger
}

// Link runs the linker. Diagnostics are logged; only the exit code decides
// success.
func (l *Linker) Link(ctx context.Context, req Request) (toolchain.Result, error) {
	args, err := Args(req, l.Config)
	if err != nil {
		return toolchain.Result{Code: toolchain.Failure}, err
	}
	if ScatterFile(l.Config) == "" {
		l.Log.Info().
			Str("ro_base", l.Config.CodeBase).
			Str("rw_base", l.Config.DataBase).
			Str("entry", l.Config.Entry).
			Msg("no scatter file")
	}
	l.Log.Info().Str("image", req.Image).Int("objects", len(req.Objects)).Int("libraries", len(req.Libraries)).Msg("link")
	res := l.Runner.Run(ctx, toolchain.Command{Tool: l.Tool, Args: args})
	logging.ToolOutput(l.Log, "link", res.Output())
	if res.Code != 0 {
		return res, errors.Wrapf(ErrLinkFailed, "exit code %d", res.Code)
	}
	return res, nil
}
