// Package batch patches every matching file below a directory, one
// independent pass per file.
package batch

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/grafana/zkvm-elfpatch/pkg/patch"
	"github.com/grafana/zkvm-elfpatch/pkg/util"
)

type Config struct {
	Extension   string                `yaml:"extension"`
	Concurrency util.ConcurrencyLimit `yaml:"concurrency"`
}

func DefaultConfig() Config {
	return Config{Extension: ".elf"}
}

func (cfg *Config) Validate() error {
	if !strings.HasPrefix(cfg.Extension, ".") || len(cfg.Extension) < 2 {
		return errors.Errorf("invalid extension %q, expected something like .elf", cfg.Extension)
	}
	return nil
}

type FilePatcher interface {
	PatchFile(ctx context.Context, path string) (patch.Result, error)
}

type FileResult struct {
	// Path is the resolved path, symlinks followed.
	Path string
	patch.Result
	Err error
}

type Summary struct {
	Files        []FileResult
	WordsPatched int
	FilesPatched int
	Failed       int
}

// Err joins the per-file failures, or returns nil.
func (s *Summary) Err() error {
	var errs *multierror.Error
	for _, f := range s.Files {
		if f.Err != nil {
			errs = multierror.Append(errs, errors.Wrap(f.Err, f.Path))
		}
	}
	return errs.ErrorOrNil()
}

type Runner struct {
	logger  log.Logger
	cfg     Config
	patcher FilePatcher
	metrics *metrics
}

func New(logger log.Logger, cfg Config, patcher FilePatcher, reg prometheus.Registerer) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Runner{
		logger:  logger,
		cfg:     cfg,
		patcher: patcher,
		metrics: newMetrics(reg),
	}, nil
}

type target struct {
	path string
	err  error
}

// discover walks dir for files carrying the configured extension.
// Symlinks are resolved and the resulting paths deduplicated, so no file
// is handed to two workers.
func (r *Runner) discover(dir string) ([]target, error) {
	var found []target
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != r.cfg.Extension {
			return nil
		}
		resolved, err := filepath.EvalSymlinks(path)
		if err != nil {
			found = append(found, target{path: path, err: errors.Wrap(err, "resolve symlink")})
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			st, err := os.Stat(resolved)
			if err != nil {
				found = append(found, target{path: path, err: errors.Wrap(err, "stat symlink target")})
				return nil
			}
			if !st.Mode().IsRegular() {
				return nil
			}
		} else if !d.Type().IsRegular() {
			return nil
		}
		if abs, err := filepath.Abs(resolved); err == nil {
			resolved = abs
		}
		found = append(found, target{path: resolved})
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "scan %s", dir)
	}
	found = lo.UniqBy(found, func(t target) string { return t.path })
	sort.Slice(found, func(i, j int) bool { return found[i].path < found[j].path })
	return found, nil
}

// Run patches every discovered file. A failing file is recorded in the
// summary and never stops its siblings; the returned error is reserved for
// a directory that cannot be scanned.
func (r *Runner) Run(ctx context.Context, dir string) (*Summary, error) {
	targets, err := r.discover(dir)
	if err != nil {
		return nil, err
	}

	results := make([]FileResult, len(targets))
	g := errgroup.Group{}
	g.SetLimit(r.cfg.Concurrency.Limit())
	for i, t := range targets {
		results[i] = FileResult{Path: t.path, Err: t.err}
		if t.err != nil {
			continue
		}
		g.Go(func() error {
			start := time.Now()
			res, err := r.patcher.PatchFile(ctx, t.path)
			r.metrics.fileDuration.Observe(time.Since(start).Seconds())
			results[i].Result = res
			results[i].Err = err
			return nil
		})
	}
	_ = g.Wait()

	s := &Summary{Files: results}
	for _, f := range results {
		switch {
		case f.Err != nil:
			s.Failed++
			r.metrics.files.WithLabelValues(statusFailed).Inc()
			level.Error(r.logger).Log("msg", "failed to patch file", "file", f.Path, "err", f.Err)
		case f.NotELF:
			r.metrics.files.WithLabelValues(statusNotELF).Inc()
		case f.Patched > 0:
			s.FilesPatched++
			s.WordsPatched += f.Patched
			r.metrics.files.WithLabelValues(statusPatched).Inc()
		default:
			r.metrics.files.WithLabelValues(statusUnchanged).Inc()
		}
		if f.Err == nil && !f.DryRun {
			for kind, n := range f.ByKind {
				r.metrics.wordsPatched.WithLabelValues(string(kind)).Add(float64(n))
			}
		}
	}
	return s, nil
}
