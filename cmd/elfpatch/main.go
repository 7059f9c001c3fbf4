// Command elfpatch rewrites RISC-V test ELFs in place so that ZKVMs which
// decode every word of an executable segment can run them.
//
// Usage:
//
//	elfpatch [flags] <dir>
//
// Every file below dir with the configured extension (default .elf) is
// patched. By default embedded data words are replaced with nop; --zisk,
// --strategy or --target select a different strategy.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/version"
	"github.com/spf13/afero"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/grafana/zkvm-elfpatch/pkg/batch"
	"github.com/grafana/zkvm-elfpatch/pkg/patch"
	"github.com/grafana/zkvm-elfpatch/pkg/toolchain"
	"github.com/grafana/zkvm-elfpatch/pkg/util"
)

const envPrefix = "ELFPATCH_"

type flags struct {
	dir         string
	verbose     bool
	logLevel    string
	logFormat   string
	configFile  string
	metricsFile string
	sel         selection

	extension   string
	concurrency util.ConcurrencyLimit
	dryRun      optionalBool

	prefix         string
	readelf        string
	objdump        string
	nativeSections optionalBool

	redirectFrom string
	redirectTo   string
}

// optionalBool is a boolean flag that remembers whether it was given, so
// both --flag and --no-flag override the config file.
type optionalBool struct {
	set   bool
	value bool
}

func (b *optionalBool) Set(v string) error {
	value, err := strconv.ParseBool(v)
	if err != nil {
		return err
	}
	b.set, b.value = true, value
	return nil
}

func (b *optionalBool) String() string { return strconv.FormatBool(b.value) }

func (b *optionalBool) IsBoolFlag() bool { return true }

func (b *optionalBool) apply(dst *bool) {
	if b.set {
		*dst = b.value
	}
}

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func newApp(f *flags, stdout io.Writer) *kingpin.Application {
	app := kingpin.New(filepath.Base(os.Args[0]), "Patch RISC-V test ELFs so every word in an executable section decodes as an instruction.").UsageWriter(stdout)
	app.Version(version.Print("elfpatch"))
	app.HelpFlag.Short('h')
	app.Flag("verbose", "Shorthand for --log.level=debug.").Short('v').Default("false").Envar(envPrefix + "VERBOSE").BoolVar(&f.verbose)
	app.Flag("log.level", fmt.Sprintf("Only log entries at or above this level, one of %v.", util.LogLevels)).Default("info").Envar(envPrefix + "LOG_LEVEL").EnumVar(&f.logLevel, util.LogLevels...)
	app.Flag("log.format", fmt.Sprintf("Log format, one of %v.", util.LogFormats)).Default("logfmt").Envar(envPrefix + "LOG_FORMAT").EnumVar(&f.logFormat, util.LogFormats...)
	app.Flag("config.file", "Optional YAML configuration file.").Envar(envPrefix + "CONFIG_FILE").ExistingFileVar(&f.configFile)
	app.Flag("metrics.file", "Write Prometheus metrics for the run to this file (textfile collector format).").Envar(envPrefix + "METRICS_FILE").StringVar(&f.metricsFile)

	app.Flag("zisk", "Redirect the failure handler to the terminate routine instead of neutralizing words.").Envar(envPrefix + "ZISK").BoolVar(&f.sel.zisk)
	app.Flag("strategy", fmt.Sprintf("Patch strategy, one of %v.", patch.StrategyNames())).Envar(envPrefix + "STRATEGY").StringVar(&f.sel.strategy)
	app.Flag("target", "Pick the strategy for a ZKVM target, e.g. sp1, pico, openvm, zisk.").Envar(envPrefix + "TARGET").StringVar(&f.sel.target)

	app.Flag("extension", "Extension of the files to patch (default .elf).").Envar(envPrefix + "EXTENSION").StringVar(&f.extension)
	app.Flag("concurrency", "Number of files patched in parallel (default auto).").Envar(envPrefix + "CONCURRENCY").SetValue(&f.concurrency)
	app.Flag("dry-run", "Plan the patches and report them without writing.").Envar(envPrefix + "DRY_RUN").SetValue(&f.dryRun)

	app.Flag("toolchain.prefix", "Prefix of the binutils executables (default "+toolchain.DefaultPrefix+").").Envar(envPrefix + "TOOLCHAIN_PREFIX").StringVar(&f.prefix)
	app.Flag("toolchain.readelf", "Path of readelf, overrides the prefix.").Envar(envPrefix + "TOOLCHAIN_READELF").StringVar(&f.readelf)
	app.Flag("toolchain.objdump", "Path of objdump, overrides the prefix.").Envar(envPrefix + "TOOLCHAIN_OBJDUMP").StringVar(&f.objdump)
	app.Flag("toolchain.native-sections", "Read section headers directly instead of running readelf.").Envar(envPrefix + "TOOLCHAIN_NATIVE_SECTIONS").SetValue(&f.nativeSections)

	app.Flag("redirect.from", "Symbol whose first instruction becomes the jump (default "+patch.DefaultRedirectSymbols.From+").").Envar(envPrefix + "REDIRECT_FROM").StringVar(&f.redirectFrom)
	app.Flag("redirect.to", "Symbol the jump lands on (default "+patch.DefaultRedirectSymbols.To+").").Envar(envPrefix + "REDIRECT_TO").StringVar(&f.redirectTo)

	app.Arg("dir", "Directory to scan recursively.").Required().ExistingDirVar(&f.dir)
	return app
}

// apply overlays the flags given on the command line onto cfg.
func (f *flags) apply(cfg *Config) error {
	if f.extension != "" {
		cfg.Batch.Extension = f.extension
	}
	if f.concurrency != 0 {
		cfg.Batch.Concurrency = f.concurrency
	}
	f.dryRun.apply(&cfg.Patch.DryRun)
	if f.prefix != "" {
		cfg.Toolchain.Prefix = f.prefix
	}
	if f.readelf != "" {
		cfg.Toolchain.Readelf = f.readelf
	}
	if f.objdump != "" {
		cfg.Toolchain.Objdump = f.objdump
	}
	f.nativeSections.apply(&cfg.Toolchain.NativeSections)
	if f.redirectFrom != "" {
		cfg.Patch.Redirect.From = f.redirectFrom
	}
	if f.redirectTo != "" {
		cfg.Patch.Redirect.To = f.redirectTo
	}
	if err := cfg.resolveStrategy(f.sel); err != nil {
		return err
	}
	return cfg.Validate()
}

// run returns the process exit code. Only usage and configuration errors
// are non-zero; files that fail are logged and counted.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var f flags
	app := newApp(&f, stdout)
	if _, err := app.Parse(args); err != nil {
		fmt.Fprintf(stderr, "%s: error: %v, try --help\n", app.Name, err)
		return 1
	}

	if f.verbose {
		f.logLevel = "debug"
	}
	logger, err := util.NewLogger(stderr, f.logFormat, f.logLevel)
	if err != nil {
		fmt.Fprintf(stderr, "%s: error: %v\n", app.Name, err)
		return 1
	}

	cfg, err := loadConfig(f.configFile)
	if err == nil {
		err = f.apply(&cfg)
	}
	if err != nil {
		fmt.Fprintf(stderr, "%s: error: %v\n", app.Name, err)
		return 1
	}
	return patchDir(ctx, logger, cfg, f.dir, f.metricsFile, stdout)
}

func patchDir(ctx context.Context, logger log.Logger, cfg Config, dir, metricsFile string, stdout io.Writer) int {
	fs := afero.NewOsFs()
	inspector, err := toolchain.New(fs, cfg.Toolchain, nil)
	if err != nil {
		level.Error(logger).Log("msg", "invalid toolchain configuration", "err", err)
		return 1
	}
	patcher, err := patch.New(logger, fs, inspector, cfg.Patch)
	if err != nil {
		level.Error(logger).Log("msg", "invalid patch configuration", "err", err)
		return 1
	}
	reg := prometheus.NewRegistry()
	runner, err := batch.New(logger, cfg.Batch, patcher, reg)
	if err != nil {
		level.Error(logger).Log("msg", "invalid batch configuration", "err", err)
		return 1
	}

	level.Debug(logger).Log("msg", "patching", "dir", dir, "strategy", cfg.Patch.Strategy, "concurrency", cfg.Batch.Concurrency.Limit(), "dry_run", cfg.Patch.DryRun)
	summary, err := runner.Run(ctx, dir)
	if err != nil {
		level.Error(logger).Log("msg", "failed to scan directory", "dir", dir, "err", err)
		return 0
	}
	if err := printSummary(stdout, summary, cfg.Patch.DryRun); err != nil {
		level.Error(logger).Log("msg", "failed to write summary", "err", err)
	}

	if metricsFile != "" {
		if err := prometheus.WriteToTextfile(metricsFile, reg); err != nil {
			level.Error(logger).Log("msg", "failed to write metrics", "file", metricsFile, "err", err)
		}
	}
	return 0
}
