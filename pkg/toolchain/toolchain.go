// Package toolchain runs the binutils collaborators the patcher reads from:
// `readelf -S` for section headers and `objdump -d -M no-aliases` for the
// instruction listing.
package toolchain

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/grafana/zkvm-elfpatch/pkg/sections"
)

const DefaultPrefix = "riscv64-unknown-elf-"

type Config struct {
	Prefix string `yaml:"prefix"`
	// Readelf and Objdump override the prefixed tool names.
	Readelf string `yaml:"readelf"`
	Objdump string `yaml:"objdump"`
	// NativeSections reads the section header table with debug/elf
	// instead of running readelf.
	NativeSections bool `yaml:"native_sections"`
}

func DefaultConfig() Config {
	return Config{Prefix: DefaultPrefix}
}

func (cfg *Config) Validate() error {
	if cfg.Prefix == "" && cfg.Objdump == "" {
		return errors.New("either a toolchain prefix or an objdump path is required")
	}
	if cfg.Prefix == "" && cfg.Readelf == "" && !cfg.NativeSections {
		return errors.New("either a toolchain prefix, a readelf path or native sections is required")
	}
	return nil
}

func (cfg *Config) ReadelfPath() string {
	if cfg.Readelf != "" {
		return cfg.Readelf
	}
	return cfg.Prefix + "readelf"
}

func (cfg *Config) ObjdumpPath() string {
	if cfg.Objdump != "" {
		return cfg.Objdump
	}
	return cfg.Prefix + "objdump"
}

// Runner executes a command and returns its standard output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// Exec is the Runner backed by os/exec. A non-zero exit is an error that
// carries the tool's stderr.
func Exec(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, errors.Wrapf(err, "%s: %s", name, msg)
		}
		return nil, errors.Wrap(err, name)
	}
	return stdout.Bytes(), nil
}

// Binutils implements patch.Inspector on top of the GNU tools.
type Binutils struct {
	fs  afero.Fs
	cfg Config
	run Runner
}

// New returns Binutils running the tools through run, Exec when nil. fs
// is only read from when NativeSections is set.
func New(fs afero.Fs, cfg Config, run Runner) (*Binutils, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if run == nil {
		run = Exec
	}
	return &Binutils{fs: fs, cfg: cfg, run: run}, nil
}

func (b *Binutils) Sections(ctx context.Context, path string) (*sections.Map, error) {
	if b.cfg.NativeSections {
		f, err := b.fs.Open(path)
		if err != nil {
			return nil, errors.Wrap(err, "open")
		}
		defer f.Close()
		return sections.FromELF(f)
	}
	out, err := b.run(ctx, b.cfg.ReadelfPath(), "-S", "-W", path)
	if err != nil {
		return nil, err
	}
	return sections.Parse(out)
}

func (b *Binutils) Disassemble(ctx context.Context, path string) ([]byte, error) {
	return b.run(ctx, b.cfg.ObjdumpPath(), "-d", "-M", "no-aliases", path)
}
