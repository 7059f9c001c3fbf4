package patch

import (
	"context"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/grafana/zkvm-elfpatch/pkg/disasm"
	"github.com/grafana/zkvm-elfpatch/pkg/sections"
	"github.com/grafana/zkvm-elfpatch/pkg/util"
)

// Inspector supplies the section map and the no-aliases disassembly of a
// file. Both are fully buffered before planning starts.
type Inspector interface {
	Sections(ctx context.Context, path string) (*sections.Map, error)
	Disassemble(ctx context.Context, path string) ([]byte, error)
}

type Config struct {
	Strategy Strategy        `yaml:"strategy"`
	Redirect RedirectSymbols `yaml:"redirect"`
	DryRun   bool            `yaml:"dry_run"`
}

func DefaultConfig() Config {
	return Config{
		Strategy: NeutralizeDataWords,
		Redirect: DefaultRedirectSymbols,
	}
}

func (cfg *Config) Validate() error {
	if cfg.Strategy < NeutralizeDataWords || cfg.Strategy > NeutralizeDataWordsThenRedirectFailureHandler {
		return errors.Errorf("invalid strategy %s", cfg.Strategy)
	}
	if cfg.Strategy.redirects() {
		return cfg.Redirect.Validate()
	}
	return nil
}

// Patcher runs the full pass over one file: probe, inspect, classify,
// plan, write. It holds no per-file state and is safe for concurrent use
// on distinct files.
type Patcher struct {
	logger    log.Logger
	fs        afero.Fs
	inspector Inspector
	strategy  Strategy
	symbols   RedirectSymbols
	dryRun    bool
}

func New(logger log.Logger, fs afero.Fs, inspector Inspector, cfg Config) (*Patcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Patcher{
		logger:    logger,
		fs:        fs,
		inspector: inspector,
		strategy:  cfg.Strategy,
		symbols:   cfg.Redirect,
		dryRun:    cfg.DryRun,
	}, nil
}

func (p *Patcher) Strategy() Strategy { return p.strategy }

func (p *Patcher) PatchFile(ctx context.Context, path string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	logger := util.LoggerWithFile(path, p.logger)

	ok, err := IsELF(p.fs, path)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		level.Debug(logger).Log("msg", "not an ELF file, skipping")
		return Result{NotELF: true}, nil
	}

	secs, err := p.inspector.Sections(ctx, path)
	if err != nil {
		return Result{}, errors.Wrap(err, "read section headers")
	}
	text, err := p.inspector.Disassemble(ctx, path)
	if err != nil {
		return Result{}, errors.Wrap(err, "disassemble")
	}
	listing, err := disasm.Parse(text)
	if err != nil {
		return Result{}, err
	}

	plan, err := NewPlanner(logger, p.strategy, p.symbols).Plan(secs, listing)
	if err != nil {
		return Result{}, err
	}

	res := Result{
		Dropped: plan.Dropped,
		ByKind:  plan.CountByKind(),
	}
	if p.dryRun {
		res.DryRun = true
		res.Patched = plan.Len()
		return res, nil
	}

	applied, err := Apply(p.fs, path, plan)
	if err != nil {
		return Result{}, err
	}
	res.NotELF = applied.NotELF
	res.Patched = applied.Patched
	res.HeaderFlagCleared = applied.HeaderFlagCleared
	if applied.HeaderFlagCleared {
		level.Debug(logger).Log("msg", "cleared EF_RISCV_RVC header flag")
	}
	return res, nil
}
