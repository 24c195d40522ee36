package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// DefaultFiles are probed, in order, when no configuration file is given.
var DefaultFiles = []string{"firmbuild.yml", "firmbuild.yaml", "firmbuild.toml"}

// Load reads the configuration file at `path` on top of the defaults.
// An empty `path` probes DefaultFiles and falls back to the defaults alone.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		for _, f := range DefaultFiles {
			if _, err := os.Stat(f); err == nil {
				path = f
				break
			}
		}
		if path == "" {
			return cfg, nil
		}
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read \"%s\"", path)
	}
	if err := Decode(cfg, buf, filepath.Ext(path)); err != nil {
		return nil, errors.Wrapf(err, "failed to decode \"%s\"", path)
	}
	return cfg, nil
}

// Decode decodes `buf` into `cfg`. The format is chosen by `ext`.
func Decode(cfg *Config, buf []byte, ext string) error {
	switch strings.ToLower(ext) {
	case ".yml", ".yaml":
		return yaml.UnmarshalStrict(buf, cfg)
	case ".toml":
		md, err := toml.Decode(string(buf), cfg)
		if err != nil {
			return err
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return errors.Errorf("unknown keys %v", undecoded)
		}
		return nil
	default:
		return errors.Errorf("unsupported configuration format \"%s\"", ext)
	}
}

// Environment variables overriding boolean settings.
const (
	EnvDebug      = "FIRMBUILD_DEBUG"
	EnvTiny       = "FIRMBUILD_TINY"
	EnvPreprocess = "FIRMBUILD_PREPROCESS"
	EnvLinux      = "FIRMBUILD_LINUX"
)

// ApplyEnv overrides boolean settings from the environment.
func (c *Config) ApplyEnv() error {
	return c.applyEnv(os.LookupEnv)
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	for _, e := range []struct {
		name string
		dst  *bool
	}{
		{EnvDebug, &c.Debug},
		{EnvTiny, &c.Tiny},
		{EnvPreprocess, &c.Preprocess},
		{EnvLinux, &c.Linux},
	} {
		s, ok := lookup(e.name)
		if !ok {
			continue
		}
		v, ok := ParseBoolean(s)
		if !ok {
			return errors.Errorf("ambiguous boolean \"%s\" in %s", s, e.name)
		}
		*e.dst = v
	}
	return nil
}
