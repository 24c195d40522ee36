package image

import (
	"context"
	"encoding/hex"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"lukechampine.com/blake3"

	"firmbuild/internal/logging"
	"firmbuild/internal/toolchain"
)

// Binary describes an extracted flat binary.
type Binary struct {
	Path   string
	Size   int64
	Digest string
}

// HumanSize renders the size as "12 kB".
func (b Binary) HumanSize() string {
	return humanize.Bytes(uint64(b.Size))
}

// Extractor converts linked images into flat binaries.
type Extractor struct {
	Tool   string
	Runner toolchain.Runner
	Log    zerolog.Logger
}

// ExtractArgs returns the extractor arguments.
func ExtractArgs(axf, bin string) []string {
	return []string{"--bin", "-o", bin, axf}
}

// Extract writes `bin` from `axf`. A failure is reported in the result; the
// error is set only when the produced binary cannot be inspected.
func (e *Extractor) Extract(ctx context.Context, axf, bin string) (toolchain.Result, *Binary, error) {
	res := e.Runner.Run(ctx, toolchain.Command{Tool: e.Tool, Args: ExtractArgs(axf, bin)})
	logging.ToolOutput(e.Log, "extract", res.Output())
	if !res.OK() {
		e.Log.Error().Str("image", axf).Int("code", res.Code).Msg("extraction failed")
		return res, nil, nil
	}
	b, err := Inspect(bin)
	if err != nil {
		return res, nil, err
	}
	e.Log.Info().Str("bin", bin).Str("size", b.HumanSize()).Str("blake3", b.Digest).Msg("binary")
	return res, b, nil
}

// Inspect measures and digests the file at `path`.
func Inspect(path string) (*Binary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open \"%s\"", path)
	}
	defer f.Close()
	h := blake3.New(32, nil)
	n, err := io.Copy(h, f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read \"%s\"", path)
	}
	return &Binary{Path: path, Size: n, Digest: hex.EncodeToString(h.Sum(nil))}, nil
}
