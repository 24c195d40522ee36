// Package logging builds the run logger and the console status printer.
package logging

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gookit/color"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Options is fixed at process start and passed to New.
type Options struct {
	Level   string
	Verbose bool
	NoColor bool
	Out     io.Writer
}

// New creates the logger described by `opts`.
func New(opts Options) (zerolog.Logger, error) {
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	level := zerolog.InfoLevel
	if opts.Level != "" {
		l, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
		if err != nil {
			return zerolog.Nop(), errors.Wrapf(err, "invalid log level \"%s\"", opts.Level)
		}
		level = l
	}
	if opts.Verbose && level > zerolog.DebugLevel {
		level = zerolog.DebugLevel
	}
	w := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
		NoColor:    opts.NoColor,
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}

// IsErrorLine reports whether a line of tool output is an error diagnostic.
func IsErrorLine(line string) bool {
	l := strings.TrimSpace(line)
	lower := strings.ToLower(l)
	return strings.HasPrefix(lower, "error") ||
		strings.HasPrefix(lower, "fatal error") ||
		strings.Contains(l, "Error:")
}

// ToolOutput logs every non-empty line of `output`. Error diagnostics go to
// the error level, everything else (warnings included) to info.
func ToolOutput(log zerolog.Logger, tool string, output string) {
	sc := bufio.NewScanner(strings.NewReader(output))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if IsErrorLine(line) {
			log.Error().Str("tool", tool).Msg(line)
		} else {
			log.Info().Str("tool", tool).Msg(line)
		}
	}
}

// Printer writes human oriented status lines. It is safe for concurrent use.
type Printer struct {
	mu      sync.Mutex
	out     io.Writer
	noColor bool
}

// NewPrinter creates a Printer writing to `out` (stdout when nil).
func NewPrinter(out io.Writer, noColor bool) *Printer {
	if out == nil {
		out = os.Stdout
	}
	return &Printer{out: out, noColor: noColor}
}

func (p *Printer) styled(s color.Color, format string, a ...interface{}) string {
	if p.noColor {
		return fmt.Sprintf(format, a...)
	}
	return s.Sprintf(format, a...)
}

func (p *Printer) write(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	io.WriteString(p.out, line+"\n")
}

// Compiled reports a finished compile of `file`.
func (p *Printer) Compiled(file string, d time.Duration) {
	p.write("Compile: " + file + "\t" + p.styled(color.Green, "\t %d ms", d.Milliseconds()))
}

// Skipped reports a file dropped by an exclusion rule.
func (p *Printer) Skipped(rule string) {
	p.write(p.styled(color.Yellow, "\t skip %s", rule))
}

// Failed reports a failed step.
func (p *Printer) Failed(what string, code int) {
	p.write(p.styled(color.Red, "Failed: %s (exit %d)", what, code))
}

// Command echoes a command line.
func (p *Printer) Command(title, line string) {
	p.write(title + ": " + p.styled(color.Magenta, "%s", line))
}

// Line prints a plain line.
func (p *Printer) Line(format string, a ...interface{}) {
	p.write(fmt.Sprintf(format, a...))
}
