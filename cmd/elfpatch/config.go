package main

import (
	"bytes"
	"io"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/grafana/zkvm-elfpatch/pkg/batch"
	"github.com/grafana/zkvm-elfpatch/pkg/patch"
	"github.com/grafana/zkvm-elfpatch/pkg/target"
	"github.com/grafana/zkvm-elfpatch/pkg/toolchain"
)

// Config is the optional YAML file given with --config.file.
type Config struct {
	Toolchain toolchain.Config `yaml:"toolchain"`
	Batch     batch.Config     `yaml:"batch"`
	Patch     patch.Config     `yaml:"patch"`
	// Target picks the strategy from Targets, overriding patch.strategy.
	Target  string          `yaml:"target"`
	Targets target.Profiles `yaml:"targets"`
}

func defaultConfig() Config {
	return Config{
		Toolchain: toolchain.DefaultConfig(),
		Batch:     batch.DefaultConfig(),
		Patch:     patch.DefaultConfig(),
	}
}

func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "read config file")
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, errors.Wrapf(err, "parse config file %s", path)
	}
	return cfg, nil
}

func (cfg *Config) Validate() error {
	if err := cfg.Toolchain.Validate(); err != nil {
		return errors.Wrap(err, "toolchain")
	}
	if err := cfg.Batch.Validate(); err != nil {
		return errors.Wrap(err, "batch")
	}
	if err := cfg.Patch.Validate(); err != nil {
		return errors.Wrap(err, "patch")
	}
	return nil
}

// selection holds the mutually exclusive ways of choosing a strategy on
// the command line.
type selection struct {
	zisk     bool
	strategy string
	target   string
}

func (s selection) count() int {
	n := 0
	for _, set := range []bool{s.zisk, s.strategy != "", s.target != ""} {
		if set {
			n++
		}
	}
	return n
}

// resolveStrategy applies the command line selection, then the config
// file's target, then patch.strategy.
func (cfg *Config) resolveStrategy(sel selection) error {
	if sel.count() > 1 {
		return errors.New("--zisk, --strategy and --target are mutually exclusive")
	}
	profiles := target.Builtin().Merge(cfg.Targets)
	switch {
	case sel.zisk:
		cfg.Patch.Strategy = patch.NeutralizeDataWordsThenRedirectFailureHandler
	case sel.strategy != "":
		s, err := patch.ParseStrategy(sel.strategy)
		if err != nil {
			return err
		}
		cfg.Patch.Strategy = s
	case sel.target != "":
		s, err := profiles.Lookup(sel.target)
		if err != nil {
			return err
		}
		cfg.Patch.Strategy = s
	case cfg.Target != "":
		s, err := profiles.Lookup(cfg.Target)
		if err != nil {
			return err
		}
		cfg.Patch.Strategy = s
	}
	return nil
}
