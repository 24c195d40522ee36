// firmbuild drives an ARM embedded toolchain to build firmware images and
// static libraries.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"firmbuild/internal/build"
	"firmbuild/internal/config"
	"firmbuild/internal/logging"
	"firmbuild/internal/toolchain"
)

const firmbuildVersion = "1.0.0"

// The entry point.
func main() {
	app := newApp()
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "%s: error: %v\n", app.Name, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "firmbuild"
	app.Usage = "Build firmware images with the ARM compiler toolchain"
	app.Version = firmbuildVersion
	app.HideVersion = true
	app.Flags = options()
	app.Commands = []*cli.Command{
		{
			Name:   "build",
			Usage:  "Compile, link and extract the firmware image",
			Flags:  options(),
			Action: runBuild,
		},
		{
			Name:   "lib",
			Usage:  "Compile and archive into a static library",
			Flags:  options(),
			Action: runLib,
		},
		{
			Name:      "patch",
			Usage:     "Stamp build time and machine into a linked image",
			ArgsUsage: "<image.axf>",
			Flags:     options(),
			Action:    runPatch,
		},
		{
			Name:      "extract",
			Usage:     "Extract a flat binary from a linked image",
			ArgsUsage: "<image.axf> [<image.bin>]",
			Flags:     options(),
			Action:    runExtract,
		},
		{
			Name:  "version",
			Usage: "Display version",
			Action: func(c *cli.Context) error {
				fmt.Fprintf(c.App.Writer, "%s: %v (%s/%s)\n", c.App.Name, firmbuildVersion, runtime.Version(), runtime.Compiler)
				return nil
			},
		},
	}
	app.DefaultCommand = "build"
	return app
}

// options are accepted both before and after the command name. Every call
// returns new flags; cli records state in them.
func options() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "configuration file (defaults to firmbuild.yml, firmbuild.yaml or firmbuild.toml)"},
		&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "verbose mode"},
		&cli.StringFlag{Name: "log-level", Value: "info", Usage: "trace, debug, info, warn or error"},
		&cli.BoolFlag{Name: "no-color", Usage: "disable colored output"},
		&cli.BoolFlag{Name: "debug", Usage: "debug build"},
		&cli.BoolFlag{Name: "tiny", Usage: "tiny build"},
		&cli.BoolFlag{Name: "preprocess", Aliases: []string{"E"}, Usage: "preprocess only"},
		&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "output directory"},
		&cli.StringFlag{Name: "name", Aliases: []string{"n"}, Usage: "output name"},
		&cli.IntFlag{Name: "cortex", Usage: "Cortex-M core number"},
		&cli.StringFlag{Name: "dialect", Usage: "legacy (armcc) or modern (armclang)"},
		&cli.IntFlag{Name: "jobs", Aliases: []string{"j"}, Usage: "parallel compiles"},
		&cli.DurationFlag{Name: "timeout", Usage: "build time budget"},
		&cli.IntFlag{Name: "rebuild-time", Usage: "minutes after which fresh objects are rebuilt anyway"},
	}
}

// flagContext returns the innermost context in which `name` was given, or
// `c` itself when it was given nowhere.
func flagContext(c *cli.Context, name string) (*cli.Context, bool) {
	for _, l := range c.Lineage() {
		if l.IsSet(name) {
			return l, true
		}
	}
	return c, false
}

func stringOption(c *cli.Context, name string) string {
	l, _ := flagContext(c, name)
	return l.String(name)
}

func boolOption(c *cli.Context, name string) bool {
	l, _ := flagContext(c, name)
	return l.Bool(name)
}

// session is the state shared by every command.
type session struct {
	cfg     *config.Config
	log     zerolog.Logger
	printer *logging.Printer
}

func newSession(c *cli.Context) (*session, error) {
	log, err := logging.New(logging.Options{
		Level:   stringOption(c, "log-level"),
		Verbose: boolOption(c, "verbose"),
		NoColor: boolOption(c, "no-color"),
		Out:     c.App.ErrWriter,
	})
	if err != nil {
		return nil, err
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	log.Debug().
		Str("cpu", cfg.CPU).
		Str("dialect", string(cfg.Dialect)).
		Bool("debug", cfg.Debug).
		Bool("tiny", cfg.Tiny).
		Int("jobs", cfg.Jobs).
		Dur("timeout", cfg.Timeout).
		Msg("configuration")
	return &session{
		cfg:     cfg,
		log:     log,
		printer: logging.NewPrinter(c.App.Writer, boolOption(c, "no-color")),
	}, nil
}

// loadConfig reads the configuration file, then applies the environment and
// the command line, in that order.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(stringOption(c, "config"))
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	for _, b := range []struct {
		flag string
		dst  *bool
	}{
		{"debug", &cfg.Debug},
		{"tiny", &cfg.Tiny},
		{"preprocess", &cfg.Preprocess},
	} {
		if l, ok := flagContext(c, b.flag); ok {
			*b.dst = l.Bool(b.flag)
		}
	}
	if l, ok := flagContext(c, "output"); ok {
		cfg.Output = l.String("output")
	}
	if l, ok := flagContext(c, "name"); ok {
		cfg.Name = l.String("name")
	}
	if l, ok := flagContext(c, "cortex"); ok {
		cfg.SetCortex(l.Int("cortex"))
	}
	if l, ok := flagContext(c, "dialect"); ok {
		cfg.Dialect = config.Dialect(strings.ToLower(l.String("dialect")))
	}
	if l, ok := flagContext(c, "jobs"); ok {
		cfg.Jobs = l.Int("jobs")
	}
	if l, ok := flagContext(c, "timeout"); ok {
		cfg.Timeout = l.Duration("timeout")
	}
	if l, ok := flagContext(c, "rebuild-time"); ok {
		cfg.RebuildTime = l.Int("rebuild-time")
	}
	return cfg.Finalize()
}

func (s *session) pipeline() (*build.Pipeline, error) {
	tools, err := toolchain.ResolveTools(s.cfg)
	if err != nil {
		return nil, err
	}
	return &build.Pipeline{
		Config:  s.cfg,
		Tools:   tools,
		Runner:  toolchain.NewExecRunner(s.cfg.Timeout),
		Log:     s.log,
		Printer: s.printer,
	}, nil
}

func signalContext(c *cli.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(c.Context, os.Interrupt)
}

func runBuild(c *cli.Context) error {
	s, err := newSession(c)
	if err != nil {
		return err
	}
	p, err := s.pipeline()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext(c)
	defer cancel()
	summary, err := p.Build(ctx)
	if err != nil {
		return err
	}
	s.printer.Line("Done: %s (%d compiled, %d skipped, %d failed)",
		summary.Name, summary.Compile.Compiled, summary.Compile.Skipped, summary.Compile.Failed)
	return nil
}

func runLib(c *cli.Context) error {
	s, err := newSession(c)
	if err != nil {
		return err
	}
	p, err := s.pipeline()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext(c)
	defer cancel()
	summary, err := p.Library(ctx)
	if err != nil {
		return err
	}
	s.printer.Line("Done: %s", summary.Archive)
	return nil
}

func runPatch(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("patch needs exactly one image")
	}
	s, err := newSession(c)
	if err != nil {
		return err
	}
	p := &build.Pipeline{Config: s.cfg, Log: s.log, Printer: s.printer}
	_, err = p.Patch(c.Args().First())
	return err
}

func runExtract(c *cli.Context) error {
	if c.NArg() < 1 || c.NArg() > 2 {
		return errors.New("extract needs an image and an optional output")
	}
	s, err := newSession(c)
	if err != nil {
		return err
	}
	axf := c.Args().Get(0)
	bin := c.Args().Get(1)
	if bin == "" {
		bin = strings.TrimSuffix(axf, filepath.Ext(axf)) + ".bin"
	}
	tool, err := toolchain.ResolveTool(s.cfg, s.cfg.Toolchain.Extractor, toolchain.Extractor)
	if err != nil {
		return err
	}
	p := &build.Pipeline{
		Config:  s.cfg,
		Tools:   toolchain.Tools{Extractor: tool},
		Runner:  toolchain.NewExecRunner(s.cfg.Timeout),
		Log:     s.log,
		Printer: s.printer,
	}
	ctx, cancel := signalContext(c)
	defer cancel()
	res, _, err := p.Extract(ctx, axf, bin)
	if err != nil {
		return err
	}
	if !res.OK() {
		return errors.Errorf("extraction failed with exit code %d", res.Code)
	}
	return nil
}
